// Package mbox reads mbox archives one message at a time.
package mbox

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/emersion/go-mbox"

	"github.com/vipul43/mailvault-worker/internal/service"
)

// maxMessageSize guards against a corrupt file turning into one huge message
const maxMessageSize = 64 << 20

// Parser opens mbox files from disk
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Open returns an iterator positioned before the first message
func (p *Parser) Open(path string) (service.MessageIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Iterator{
		file:   f,
		reader: mbox.NewReader(bufio.NewReader(f)),
	}, nil
}

// Iterator yields the raw messages of one mbox file
type Iterator struct {
	file   *os.File
	reader *mbox.Reader
	count  int
}

// Next returns the next raw message, or io.EOF after the last one
func (it *Iterator) Next() ([]byte, error) {
	r, err := it.reader.NextMessage()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message %d: %w", it.count+1, err)
	}

	raw, err := io.ReadAll(io.LimitReader(r, maxMessageSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read message %d: %w", it.count+1, err)
	}
	if len(raw) > maxMessageSize {
		return nil, fmt.Errorf("message %d exceeds %d bytes", it.count+1, maxMessageSize)
	}
	it.count++
	return raw, nil
}

func (it *Iterator) Close() error {
	return it.file.Close()
}
