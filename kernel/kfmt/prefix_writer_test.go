package kfmt

import (
	"bytes"
	"errors"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		input []string
		exp   string
	}{
		{
			[]string{""},
			"",
		},
		{
			[]string{"\n"},
			"[pmm] \n",
		},
		{
			[]string{"no line break anywhere"},
			"[pmm] no line break anywhere",
		},
		{
			[]string{"line feed at the end\n"},
			"[pmm] line feed at the end\n",
		},
		{
			[]string{"\nthe big brown\nfog jumped\nover the lazy\ndog"},
			"[pmm] \n[pmm] the big brown\n[pmm] fog jumped\n[pmm] over the lazy\n[pmm] dog",
		},
		{
			[]string{"split ", "across ", "writes\nnext", " line\n"},
			"[pmm] split across writes\n[pmm] next line\n",
		},
	}

	var buf bytes.Buffer

	for specIndex, spec := range specs {
		buf.Reset()
		w := PrefixWriter{Sink: &buf, Prefix: []byte("[pmm] ")}

		var expLen, wrote int
		for _, input := range spec.input {
			n, err := w.Write([]byte(input))
			if err != nil {
				t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			}
			expLen += len(input)
			wrote += n
		}

		if expLen != wrote {
			t.Errorf("[spec %d] expected writer to write %d bytes; wrote %d", specIndex, expLen, wrote)
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected output:\n%q\ngot:\n%q", specIndex, spec.exp, got)
		}
	}
}

func TestPrefixWriterErrors(t *testing.T) {
	specs := []string{
		"no line break anywhere",
		"\nthe big brown\nfog jumped\nover the lazy\ndog",
	}

	expErr := errors.New("write failed")

	for specIndex, spec := range specs {
		w := PrefixWriter{
			Sink:   writerThatAlwaysErrors{expErr},
			Prefix: []byte("[pmm] "),
		}
		if _, err := w.Write([]byte(spec)); err != expErr {
			t.Errorf("[spec %d] expected error: %v; got %v", specIndex, expErr, err)
		}
	}
}

type writerThatAlwaysErrors struct {
	err error
}

func (w writerThatAlwaysErrors) Write(_ []byte) (int, error) {
	return 0, w.err
}
