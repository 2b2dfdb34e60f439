package raftstore

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/raft"

	"github.com/eleven-am/clusterddl/internal/xjson"
)

const snapshotVersion = 1

type snapshotData struct {
	Version int               `json:"version"`
	Data    map[string][]byte `json:"data"`
}

type snapshot struct {
	data   map[string][]byte
	logger *slog.Logger
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		encoded, err := xjson.Marshal(snapshotData{Version: snapshotVersion, Data: s.data})
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}

		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(encoded); err != nil {
			return fmt.Errorf("compress snapshot: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress snapshot: %w", err)
		}

		size := buf.Len()
		if _, err := io.Copy(sink, &buf); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}

		s.logger.Info("snapshot persisted", "keys_count", len(s.data), "compressed_size", size)
		return sink.Close()
	}()

	if err != nil {
		_ = sink.Cancel()
		s.logger.Error("failed to persist snapshot", "error", err)
		return err
	}
	return nil
}

func (s *snapshot) Release() {}

func readSnapshot(r io.Reader) (map[string][]byte, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshotData
	if err := xjson.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	if snap.Data == nil {
		snap.Data = make(map[string][]byte)
	}
	return snap.Data, nil
}
