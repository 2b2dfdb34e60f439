package raftstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/raft"
	raftbadger "github.com/rfyiamcool/raft-badger"
)

const gcInterval = 5 * time.Minute

// storage groups the raft log, stable and snapshot stores with the badger state database
// the FSM writes to. An empty data dir keeps everything in memory.
type storage struct {
	logStore    raft.LogStore
	stableStore raft.StableStore
	snapStore   raft.SnapshotStore
	stateDB     *badger.DB
	closers     []func() error

	logger *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

type compatStable struct {
	raft.StableStore
}

func (c compatStable) Get(key []byte) ([]byte, error) {
	v, err := c.StableStore.Get(key)
	if isNotFound(err) {
		return nil, nil
	}
	return v, err
}

func (c compatStable) GetUint64(key []byte) (uint64, error) {
	v, err := c.StableStore.GetUint64(key)
	if isNotFound(err) {
		return 0, nil
	}
	return v, err
}

type compatLog struct {
	raft.LogStore
}

func (c compatLog) GetLog(index uint64, out *raft.Log) error {
	err := c.LogStore.GetLog(index, out)
	if isNotFound(err) {
		return raft.ErrLogNotFound
	}
	return err
}

func (c compatLog) FirstIndex() (uint64, error) {
	idx, err := c.LogStore.FirstIndex()
	if isNotFound(err) {
		return 0, nil
	}
	return idx, err
}

func (c compatLog) LastIndex() (uint64, error) {
	idx, err := c.LogStore.LastIndex()
	if isNotFound(err) {
		return 0, nil
	}
	return idx, err
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, badger.ErrKeyNotFound)
}

func openStorage(dataDir string, retainSnapshots int, logger *slog.Logger) (*storage, error) {
	s := &storage{logger: logger, stop: make(chan struct{})}
	if dataDir == "" {
		return s.openInMemory(logger)
	}

	snapPath := filepath.Join(dataDir, "snapshots")
	if err := os.MkdirAll(snapPath, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory %s: %w", snapPath, err)
	}

	logPath := filepath.Join(dataDir, "raft-log")
	logOpts := badger.DefaultOptions(logPath)
	logOpts.Logger = &badgerLogger{logger: logger.With("component", "badger-log")}
	logStore, err := raftbadger.New(raftbadger.Config{DataPath: logPath}, &logOpts)
	if err != nil {
		return nil, fmt.Errorf("open raft log store: %w", err)
	}
	s.closers = append(s.closers, logStore.Close)

	stablePath := filepath.Join(dataDir, "raft-stable")
	stableOpts := badger.DefaultOptions(stablePath)
	stableOpts.Logger = &badgerLogger{logger: logger.With("component", "badger-stable")}
	stableStore, err := raftbadger.New(raftbadger.Config{DataPath: stablePath}, &stableOpts)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open raft stable store: %w", err)
	}
	s.closers = append(s.closers, stableStore.Close)

	snapStore, err := raft.NewFileSnapshotStoreWithLogger(snapPath, retainSnapshots, slogToHcLogger(logger.With("component", "raft-snapshots")))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	stateOpts := badger.DefaultOptions(filepath.Join(dataDir, "state"))
	stateOpts.Logger = &badgerLogger{logger: logger.With("component", "badger-state")}
	stateDB, err := badger.Open(stateOpts)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open state database: %w", err)
	}

	s.logStore = compatLog{logStore}
	s.stableStore = compatStable{stableStore}
	s.snapStore = snapStore
	s.stateDB = stateDB

	s.wg.Add(1)
	go s.runGarbageCollection()
	return s, nil
}

func (s *storage) openInMemory(logger *slog.Logger) (*storage, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = &badgerLogger{logger: logger.With("component", "badger-state")}
	stateDB, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory state database: %w", err)
	}

	mem := raft.NewInmemStore()
	s.logStore = mem
	s.stableStore = mem
	s.snapStore = raft.NewInmemSnapshotStore()
	s.stateDB = stateDB
	return s, nil
}

func (s *storage) runGarbageCollection() {
	defer s.wg.Done()

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			lsm, vlog := s.stateDB.Size()
			s.logger.Debug("running garbage collection", "lsm_size", lsm, "vlog_size", vlog)

			if err := s.stateDB.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Error("garbage collection failed", "error", err)
			}
		}
	}
}

func (s *storage) Close() {
	close(s.stop)
	s.wg.Wait()

	if s.stateDB != nil {
		if err := s.stateDB.Close(); err != nil {
			s.logger.Error("failed to close state database", "error", err)
		}
	}
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			s.logger.Error("failed to close raft store", "error", err)
		}
	}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}
