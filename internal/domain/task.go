package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const taskNamePrefix = "query-"

type Task struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Payload     []byte        `json:"payload"`
	TargetHosts []string      `json:"target_hosts"`
	CreatedAt   time.Time     `json:"created_at"`
	Timeout     time.Duration `json:"timeout"`
	OutputMode  OutputMode    `json:"output_mode"`
	Initiator   string        `json:"initiator,omitempty"`
}

// TaskName renders the store-visible name of a task id. Names sort in id order.
func TaskName(id int64) string {
	return fmt.Sprintf("%s%010d", taskNamePrefix, id)
}

// ParseTaskName is the inverse of TaskName.
func ParseTaskName(name string) (int64, error) {
	if !strings.HasPrefix(name, taskNamePrefix) {
		return 0, fmt.Errorf("%w: task name %q", ErrInvalidTask, name)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(name, taskNamePrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: task name %q: %v", ErrInvalidTask, name, err)
	}
	return id, nil
}

// AddressedTo reports whether host is one of the task's targets.
func (t Task) AddressedTo(host string) bool {
	for _, h := range t.TargetHosts {
		if h == host {
			return true
		}
	}
	return false
}

func (t Task) Validate() error {
	if len(t.TargetHosts) == 0 {
		return fmt.Errorf("%w: no target hosts", ErrInvalidTask)
	}
	seen := make(map[string]struct{}, len(t.TargetHosts))
	for _, h := range t.TargetHosts {
		if h == "" || strings.Contains(h, "/") {
			return fmt.Errorf("%w: invalid host %q", ErrInvalidTask, h)
		}
		if _, dup := seen[h]; dup {
			return fmt.Errorf("%w: duplicate host %q", ErrInvalidTask, h)
		}
		seen[h] = struct{}{}
	}
	if t.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidTask)
	}
	return nil
}

// NormalizeHosts returns a sorted copy of hosts without duplicates or empty entries.
func NormalizeHosts(hosts []string) []string {
	seen := make(map[string]struct{}, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
