package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func buildCSV(rows int) string {
	var b strings.Builder
	b.WriteString("created_at,url_path,event_type\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "2024-05-01 10:00:%02d,/page-%d,1\n", i%60, i)
	}
	return b.String()
}

func TestParseChunkSizes(t *testing.T) {
	p := NewParser(1000)

	var sizes []int
	result, err := p.Parse(context.Background(), strings.NewReader(buildCSV(2500)), func(idx int, rows []RawRow) error {
		if idx != len(sizes) {
			t.Errorf("chunk index %d emitted out of order (expected %d)", idx, len(sizes))
		}
		sizes = append(sizes, len(rows))
		return nil
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := []int{1000, 1000, 500}
	if len(sizes) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(sizes), len(want))
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("chunk %d has %d rows, want %d", i, sizes[i], want[i])
		}
	}
	if result.TotalRows != 2500 {
		t.Errorf("TotalRows = %d, want 2500", result.TotalRows)
	}
	if result.TotalChunks != 3 {
		t.Errorf("TotalChunks = %d, want 3", result.TotalChunks)
	}
}

func TestParseExactMultiple(t *testing.T) {
	p := NewParser(500)

	chunks := 0
	result, err := p.Parse(context.Background(), strings.NewReader(buildCSV(1000)), func(idx int, rows []RawRow) error {
		chunks++
		if len(rows) != 500 {
			t.Errorf("chunk %d has %d rows, want 500", idx, len(rows))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if chunks != 2 || result.TotalChunks != 2 {
		t.Errorf("got %d chunks (reported %d), want 2", chunks, result.TotalChunks)
	}
}

func TestParseRowsKeyedByHeader(t *testing.T) {
	p := NewParser(10)
	csv := "created_at, url_path ,event_type\n2024-05-01 10:00:00,/home,2\n"

	var got RawRow
	_, err := p.Parse(context.Background(), strings.NewReader(csv), func(idx int, rows []RawRow) error {
		got = rows[0]
		return nil
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got["url_path"] != "/home" {
		t.Errorf("url_path = %q, want /home (header names should be trimmed)", got["url_path"])
	}
	if got["event_type"] != "2" {
		t.Errorf("event_type = %q, want 2", got["event_type"])
	}
}

func TestParseShortRow(t *testing.T) {
	p := NewParser(10)
	csv := "a,b,c\n1,2\n"

	_, err := p.Parse(context.Background(), strings.NewReader(csv), func(idx int, rows []RawRow) error {
		if _, ok := rows[0]["c"]; ok {
			t.Error("missing column should be an absent key, not empty string")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestParseEmptyFile(t *testing.T) {
	p := NewParser(10)
	_, err := p.Parse(context.Background(), strings.NewReader(""), func(int, []RawRow) error { return nil })
	if !errors.Is(err, ErrEmptyFile) {
		t.Errorf("err = %v, want ErrEmptyFile", err)
	}
}

func TestParseHeaderOnly(t *testing.T) {
	p := NewParser(10)
	emitted := false
	result, err := p.Parse(context.Background(), strings.NewReader("a,b,c\n"), func(int, []RawRow) error {
		emitted = true
		return nil
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if emitted {
		t.Error("no chunk should be emitted for a header-only file")
	}
	if result.TotalRows != 0 || result.TotalChunks != 0 {
		t.Errorf("result = %+v, want zero totals", result)
	}
}

// failingReader yields its data, then an error instead of EOF.
type failingReader struct {
	data string
	pos  int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, errors.New("stream truncated")
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func TestParseMidStreamErrorAborts(t *testing.T) {
	p := NewParser(10)
	r := &failingReader{data: "a,b\n1,2\n3,4\n"}

	_, err := p.Parse(context.Background(), r, func(int, []RawRow) error { return nil })
	if err == nil {
		t.Fatal("expected decode error from truncated stream")
	}
	if !strings.Contains(err.Error(), "stream truncated") {
		t.Errorf("err = %v, want wrapped stream error", err)
	}
}

func TestParseEmitErrorPropagates(t *testing.T) {
	p := NewParser(100)
	boom := errors.New("enqueue down")

	_, err := p.Parse(context.Background(), strings.NewReader(buildCSV(250)), func(int, []RawRow) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped emit error", err)
	}
}

func TestParseContextCancelled(t *testing.T) {
	p := NewParser(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Parse(ctx, strings.NewReader(buildCSV(50)), func(int, []RawRow) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
