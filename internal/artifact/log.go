package artifact

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// appendLog appends rec as one JSON line to the index at path and syncs it
// to disk before returning.
func appendLog(path string, rec Record) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log index: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to marshal log record: %w", err)
	}

	writer := bufio.NewWriter(file)
	if _, err := writer.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write log record: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		file.Close()
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush log index: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync log index: %w", err)
	}
	return file.Close()
}

// readLog reads every record of the index at path. It returns an error
// wrapping os.ErrNotExist if the index has never been written.
func readLog(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return decodeLog(file)
}

func decodeLog(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024) // 64KB initial, 1MB max

	records := []Record{}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log index: %w", err)
	}
	return records, nil
}
