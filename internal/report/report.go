// Package report writes, reads and summarizes run artifacts.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"annbench/api/benchapi"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const compressedExt = ".zst"

// Write stores res as indented JSON. Paths ending in .zst are zstd
// compressed.
func Write(path string, res *benchapi.RunResult) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := Encode(f, res, strings.HasSuffix(path, compressedExt)); err != nil {
		return fmt.Errorf("write %v: %w", path, err)
	}
	return f.Close()
}

func Encode(w io.Writer, res *benchapi.RunResult, compress bool) error {
	if !compress {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func Read(path string) (*benchapi.RunResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	res, err := Decode(f, strings.HasSuffix(path, compressedExt))
	if err != nil {
		return nil, fmt.Errorf("read %v: %w", path, err)
	}
	return res, nil
}

func Decode(r io.Reader, compressed bool) (*benchapi.RunResult, error) {
	if compressed {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}

	var res benchapi.RunResult
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// WriteMetrics stores a snapshot of all gathered metrics in the Prometheus
// text exposition format.
func WriteMetrics(path string, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			return fmt.Errorf("write metrics %v: %w", path, err)
		}
	}
	return f.Close()
}
