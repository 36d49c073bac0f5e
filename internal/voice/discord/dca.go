package discord

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// loadDCA reads a DCA-framed file (int16 little-endian length prefix per
// Opus frame) into memory.
func loadDCA(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dca file: %w", err)
	}
	defer f.Close()

	var frames [][]byte
	for {
		var frameLen int16
		err := binary.Read(f, binary.LittleEndian, &frameLen)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read frame length: %w", err)
		}
		if frameLen < 0 {
			return nil, fmt.Errorf("corrupt frame length %d", frameLen)
		}

		frame := make([]byte, frameLen)
		if err := binary.Read(f, binary.LittleEndian, &frame); err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no audio frames in %s", path)
	}
	return frames, nil
}
