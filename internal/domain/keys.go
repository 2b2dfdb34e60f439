package domain

import (
	"path"
	"strings"
)

const (
	RootPath     = "/ddl/"
	TasksPrefix  = "/ddl/tasks/"
	ActivePrefix = "/ddl/active/"
	TaskSequence = "ddl-task"
	hostsDir     = "/hosts/"
	finishedDir  = "/finished/"
)

// TaskKey builds the path of a task record.
func TaskKey(name string) string {
	return TasksPrefix + name
}

// TaskPrefix is the prefix under which everything belonging to one task lives.
func TaskPrefix(name string) string {
	return TasksPrefix + name + "/"
}

// PendingKey is the placeholder written for each target host at publish time.
func PendingKey(name, host string) string {
	return TasksPrefix + name + hostsDir + host
}

// FinishedKey holds the terminal outcome of one host; it is created at most once.
func FinishedKey(name, host string) string {
	return TasksPrefix + name + finishedDir + host
}

func FinishedPrefix(name string) string {
	return TasksPrefix + name + finishedDir
}

func ActiveKey(host string) string {
	return ActivePrefix + host
}

// IsTaskRecordKey reports whether key is a task record rather than one of its children.
func IsTaskRecordKey(key string) bool {
	if !strings.HasPrefix(key, TasksPrefix) {
		return false
	}
	return !strings.Contains(strings.TrimPrefix(key, TasksPrefix), "/")
}

// Base returns the last path element.
func Base(key string) string {
	return path.Base(key)
}

// Ancestors returns every directory prefix of key, deepest first, each ending in "/".
func Ancestors(key string) []string {
	var out []string
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			out = append(out, key[:i+1])
		}
	}
	return out
}
