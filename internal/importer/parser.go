package importer

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// DefaultChunkSize is the fixed number of rows per chunk job.
const DefaultChunkSize = 1000

// ParseResult summarizes a completed parse pass.
type ParseResult struct {
	TotalRows   int64
	TotalChunks int64
}

// ChunkFunc receives one chunk of decoded rows. The parser does not read
// further rows until the callback returns, so enqueue backpressure flows
// straight into file reading.
type ChunkFunc func(chunkIndex int, rows []RawRow) error

// Parser streams a CSV upload into fixed-size row chunks without ever
// materializing the file. A decode error mid-stream aborts the whole
// parse: a corrupt file is not partially salvageable.
type Parser struct {
	chunkSize int
}

// NewParser creates a parser. chunkSize <= 0 uses DefaultChunkSize.
func NewParser(chunkSize int) *Parser {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Parser{chunkSize: chunkSize}
}

// Parse decodes the stream and emits chunks of exactly chunkSize rows plus
// one final partial chunk. The first record is required to be a header row;
// all emitted rows are keyed by its column names. Row-level content is NOT
// validated here, only CSV well-formedness; content is the mapper's job.
func (p *Parser) Parse(ctx context.Context, r io.Reader, emit ChunkFunc) (ParseResult, error) {
	reader := csv.NewReader(bufio.NewReaderSize(r, 1<<20))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return ParseResult{}, ErrEmptyFile
	}
	if err != nil {
		return ParseResult{}, fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 || (len(header) == 1 && strings.TrimSpace(header[0]) == "") {
		return ParseResult{}, ErrNoHeader
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var result ParseResult
	chunk := make([]RawRow, 0, p.chunkSize)
	chunkIndex := 0

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := emit(chunkIndex, chunk); err != nil {
			return fmt.Errorf("emit chunk %d: %w", chunkIndex, err)
		}
		chunkIndex++
		result.TotalChunks++
		chunk = make([]RawRow, 0, p.chunkSize)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return ParseResult{}, err
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Fail fast rather than silently drop rows of a corrupt file.
			return ParseResult{}, fmt.Errorf("decode row %d: %w", result.TotalRows+1, err)
		}

		row := make(RawRow, len(header))
		for i, col := range header {
			if col == "" || i >= len(record) {
				continue
			}
			row[col] = record[i]
		}
		chunk = append(chunk, row)
		result.TotalRows++

		if len(chunk) == p.chunkSize {
			if err := flush(); err != nil {
				return ParseResult{}, err
			}
		}
	}

	if err := flush(); err != nil {
		return ParseResult{}, err
	}
	return result, nil
}
