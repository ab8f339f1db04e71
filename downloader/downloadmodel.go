// Copyright 2022 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package downloader fetches pre-trained models from huggingface.co.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/voiceflow/clopinet"
	"github.com/nlpodyssey/voiceflow/converter"
	"github.com/rs/zerolog/log"
)

const (
	// HuggingFacePrefix is the Hugging Face repository URL, in the format:
	// "https://huggingface.co/{model_id}/resolve/{revision}/{filename}"
	HuggingFacePrefix = "https://huggingface.co/%s/resolve/%s/%s"
	// Default revision name for fetching model from Hugging Face repository
	defaultRevision = "main"
)

// modelsFiles contains the set of files to download.
var modelsFiles = []string{
	clopinet.DefaultConfigFilename, converter.DefaultPyModelFilename,
}

// Config configures a download.
type Config struct {
	// ModelsDir is the parent directory of the models.
	ModelsDir string
	// ModelName is the Hugging Face model id, "organization/model".
	ModelName string
	// Revision defaults to "main".
	Revision string
	// AccessToken is sent as a bearer token when not empty.
	AccessToken string
	// URLFormat overrides HuggingFacePrefix.
	URLFormat string
	// OverwriteIfExist forces the download of the files that already exist.
	OverwriteIfExist bool
}

// Download downloads a supported pre-trained model from huggingface.co
// repositories.
//
// If one or more directory levels don't yet exist, they are created
// setting the permissions bits to 0755 (rwxr-xr-x).
//
// By setting the flag OverwriteIfExist to false, any file that already
// exists is kept and considered as already successfully downloaded. If
// the flag is otherwise set to true, existing files will be forcefully
// downloaded and overwritten.
func Download(ctx context.Context, conf Config) error {
	d := downloader{
		modelPath:        filepath.Join(conf.ModelsDir, conf.ModelName),
		modelName:        conf.ModelName,
		revision:         conf.Revision,
		accessToken:      conf.AccessToken,
		urlFormat:        conf.URLFormat,
		overwriteIfExist: conf.OverwriteIfExist,
	}
	if d.revision == "" {
		d.revision = defaultRevision
	}
	if d.urlFormat == "" {
		d.urlFormat = HuggingFacePrefix
	}
	return d.download(ctx)
}

// downloader is a helper struct for downloading a model.
type downloader struct {
	modelPath        string
	modelName        string
	revision         string
	accessToken      string
	urlFormat        string
	overwriteIfExist bool
}

func (d downloader) download(ctx context.Context) error {
	if err := d.ensureModelPath(); err != nil {
		return err
	}
	for _, filename := range modelsFiles {
		if err := d.downloadFile(ctx, filename); err != nil {
			return err
		}
	}
	return nil
}

func (d downloader) ensureModelPath() error {
	if info, err := os.Stat(d.modelPath); err == nil && info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(d.modelPath, 0755); err != nil {
		return fmt.Errorf("error creating model path %#v: %w", d.modelPath, err)
	}
	return nil
}

func (d downloader) downloadFile(ctx context.Context, name string) (err error) {
	fPath := filepath.Join(d.modelPath, name)
	if info, err := os.Stat(fPath); !d.overwriteIfExist && err == nil && !info.IsDir() {
		log.Debug().Str("file", fPath).Msg("model file already exists, skipping download")
		return nil
	}

	url := d.bucketURL(name)
	log.Debug().Str("url", url).Str("destination", fPath).Msg("downloading")

	resp, err := d.httpGet(ctx, url)
	if err != nil {
		return fmt.Errorf("error getting %#v: %w", url, err)
	}
	defer func() {
		if e := resp.Body.Close(); e != nil && err == nil {
			err = fmt.Errorf("error closing %#v response body: %w", url, e)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%#v responded with %s", url, resp.Status)
	}

	// an empty file left by a failed request would be skipped by later runs
	f, err := os.Create(fPath)
	if err != nil {
		return fmt.Errorf("error creating file %#v: %w", fPath, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("error closing file %#v: %w", fPath, e)
		}
	}()

	prog := newDownloadProgress(name, resp.ContentLength)
	prog.Start()
	defer prog.Stop()

	_, err = io.Copy(f, io.TeeReader(resp.Body, prog))
	if err != nil {
		return fmt.Errorf("error downloading %#v to %#v: %w", url, fPath, err)
	}
	return nil
}

func (d downloader) httpGet(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if d.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.accessToken)
	}
	return http.DefaultClient.Do(req)
}

func (d downloader) bucketURL(fileName string) string {
	return fmt.Sprintf(d.urlFormat, d.modelName, d.revision, fileName)
}
