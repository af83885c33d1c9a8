package dataset

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// maxDim guards against reading garbage as a row header.
const maxDim = 1 << 16

// ReadFvecs reads vectors in the fvecs format: every row is a little endian
// int32 dimension followed by that many float32 values.
func ReadFvecs(r io.Reader) ([][]float32, error) {
	br := bufio.NewReader(r)

	var out [][]float32
	var header [4]byte
	dim := -1
	for row := 0; ; row++ {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("row %d: %w", row, err)
		}

		d := int(int32(binary.LittleEndian.Uint32(header[:])))
		if d <= 0 || d > maxDim {
			return nil, fmt.Errorf("row %d: invalid dimension %d", row, d)
		}
		if dim >= 0 && d != dim {
			return nil, fmt.Errorf("row %d: dimension %d differs from %d", row, d, dim)
		}
		dim = d

		buf := make([]byte, 4*d)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		vec := make([]float32, d)
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
		out = append(out, vec)
	}
}

func WriteFvecs(w io.Writer, vectors [][]float32) error {
	bw := bufio.NewWriter(w)
	var word [4]byte
	for _, vec := range vectors {
		binary.LittleEndian.PutUint32(word[:], uint32(len(vec)))
		if _, err := bw.Write(word[:]); err != nil {
			return err
		}
		for _, x := range vec {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(x))
			if _, err := bw.Write(word[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

func ReadFvecsFile(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vectors, err := ReadFvecs(f)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}
	return vectors, nil
}

// WriteFvecsFile writes to a temporary file first so readers never see a
// partial dataset.
func WriteFvecsFile(path string, vectors [][]float32) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := WriteFvecs(f, vectors); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
