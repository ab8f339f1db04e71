// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/nlpodyssey/voiceflow/clopinet"
	"github.com/nlpodyssey/voiceflow/enrollment"
	"github.com/olekukonko/tablewriter"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func printSummary(w io.Writer, c clopinet.Config) {
	var data [][]string
	for _, l := range c.Summary() {
		data = append(data, []string{l.Name, l.Kind, strconv.Itoa(l.In), strconv.Itoa(l.Out), strconv.Itoa(l.Params)})
	}
	table := newTable(w, []string{"LAYER", "KIND", "IN", "OUT", "PARAMS"})
	table.AppendBulk(data)
	table.Render()

	_, _ = fmt.Fprintf(w, "\nfeatures: %d, embedding: %d, parameters: %d\n", c.Features, c.OutputDim(), c.ParamCount())
}

func printSpeakers(w io.Writer, speakers []enrollment.Speaker) {
	var data [][]string
	for _, s := range speakers {
		data = append(data, []string{s.Name, strconv.Itoa(s.Samples), strconv.Itoa(len(s.Embedding)), s.UpdatedAt.Format("2006-01-02 15:04:05")})
	}
	table := newTable(w, []string{"NAME", "SAMPLES", "DIM", "UPDATED"})
	table.AppendBulk(data)
	table.Render()
}
