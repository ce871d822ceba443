//go:build !tesseract

package main

import (
	"errors"

	"github.com/zombor/receipt-capture/internal/scanning"
)

var errNoTesseract = errors.New("tesseract support is not built in: rebuild with -tags tesseract or pick another --engine")

func tesseractFactory(engineOptions) (scanning.EngineFactory, error) {
	return nil, errNoTesseract
}
