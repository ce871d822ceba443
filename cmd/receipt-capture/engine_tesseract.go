//go:build tesseract

package main

import (
	"context"

	"github.com/zombor/receipt-capture/internal/scanning"
	"github.com/zombor/receipt-capture/internal/scanning/tesseract"
)

func tesseractFactory(opts engineOptions) (scanning.EngineFactory, error) {
	return func(context.Context) (scanning.Engine, error) {
		engine, err := tesseract.New(tesseract.Options{
			Languages:      opts.tessLanguages,
			TessdataPrefix: opts.tessdata,
		})
		if err != nil {
			return nil, err
		}
		return engine, nil
	}, nil
}
