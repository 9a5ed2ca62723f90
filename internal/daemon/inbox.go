package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/troupehq/troupe/internal/model"
	"github.com/troupehq/troupe/internal/run"
	"github.com/troupehq/troupe/internal/yaml"
)

// A file younger than this that fails to parse is probably still being
// written; leave it for the next event or periodic scan.
const inboxSettleAge = 2 * time.Second

// scanInbox processes every response file currently in the inbox.
func (d *Daemon) scanInbox() {
	inboxDir := filepath.Join(d.troupeDir, "inbox")
	entries, err := os.ReadDir(inboxDir)
	if err != nil {
		d.log(LogLevelError, "read inbox: %v", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		d.handleInboxFile(filepath.Join(inboxDir, e.Name()))
	}
}

// handleInboxFile parses one dropped response file and feeds it into its
// run. Processed files are removed; corrupt ones are quarantined.
func (d *Daemon) handleInboxFile(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || name == "" {
		return
	}
	ext := filepath.Ext(name)
	if ext != ".yaml" && ext != ".yml" {
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			d.log(LogLevelError, "read inbox file=%s err=%v", name, err)
		}
		return
	}

	resp, err := parseResponse(content)
	if err != nil {
		d.maybeQuarantine(path, name, err)
		return
	}

	err = d.handler.SubmitResponse(resp.RunID, resp.StepIndex, resp.Seq, resp.Role, resp.Text)
	switch {
	case err == nil:
	case errors.Is(err, run.ErrRunNotFound):
		d.log(LogLevelWarn, "inbox response for unknown run=%s file=%s", resp.RunID, name)
	case errors.Is(err, run.ErrNotRunning):
		d.log(LogLevelInfo, "inbox response for finished run=%s file=%s", resp.RunID, name)
	default:
		d.log(LogLevelError, "inbox submit run=%s file=%s err=%v", resp.RunID, name, err)
	}

	// consumed either way: a response for a gone run will never apply
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.log(LogLevelError, "remove inbox file=%s err=%v", name, err)
	}
}

func (d *Daemon) maybeQuarantine(path, name string, parseErr error) {
	info, statErr := os.Stat(path)
	if statErr == nil && time.Since(info.ModTime()) < inboxSettleAge {
		d.log(LogLevelDebug, "inbox file=%s not ready yet: %v", name, parseErr)
		return
	}
	d.log(LogLevelWarn, "quarantine inbox file=%s err=%v", name, parseErr)
	if err := yaml.Quarantine(d.troupeDir, path); err != nil {
		d.log(LogLevelError, "quarantine file=%s err=%v", name, err)
	}
}

func parseResponse(content []byte) (model.AgentResponse, error) {
	var resp model.AgentResponse
	if err := yaml.ValidateSchemaHeaderFromBytes(content, "troupe_response"); err != nil {
		return resp, err
	}
	if err := yamlv3.Unmarshal(content, &resp); err != nil {
		return resp, err
	}
	if err := resp.Validate(); err != nil {
		return resp, err
	}
	return resp, nil
}
