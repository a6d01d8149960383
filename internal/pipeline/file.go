package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
)

func (p *Pipeline) validateFile(ctx context.Context, in Inbound) (prepared, error) {
	name := filepath.Base(strings.TrimSpace(in.Name))
	if name == "" || name == "." || name == "/" {
		return prepared{}, fmt.Errorf("%w: file name is required", ErrInvalidMessage)
	}

	if base64.StdEncoding.DecodedLen(len(in.Content)) > p.Config.MaxFileSize+3 {
		return prepared{}, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidMessage, p.Config.MaxFileSize)
	}
	data, err := base64.StdEncoding.DecodeString(in.Content)
	if err != nil {
		return prepared{}, fmt.Errorf("%w: file content is not base64", ErrInvalidMessage)
	}
	if len(data) == 0 {
		return prepared{}, fmt.Errorf("%w: file is empty", ErrInvalidMessage)
	}
	if len(data) > p.Config.MaxFileSize {
		return prepared{}, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidMessage, p.Config.MaxFileSize)
	}

	if p.Scanner != nil {
		if err := p.Scanner.Scan(ctx, name, data); err != nil {
			return prepared{}, fmt.Errorf("%w: file rejected: %v", ErrInvalidMessage, err)
		}
	}

	return prepared{
		content:  fmt.Sprintf("[file] %s (%d bytes)", name, len(data)),
		file:     true,
		fileName: name,
	}, nil
}
