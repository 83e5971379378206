package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/eventdesk/assistant/pkg/models"
)

// LocalFileArchiver writes expired conversations as JSONL files, one
// directory per tenant:
//
//	{basePath}/{tenant}/conversations/2026-02-20T15-04-05.000000000Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver.
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

// Archive writes the batch and returns the base directory. Conversations
// are grouped by tenant so a tenant's archive can be handed over on its own.
func (a *LocalFileArchiver) Archive(_ context.Context, conversations []models.Conversation) (string, error) {
	byTenant := make(map[string][]models.Conversation)
	for _, c := range conversations {
		byTenant[c.TenantID] = append(byTenant[c.TenantID], c)
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05.000000000Z")
	for tenant, convs := range byTenant {
		if err := a.writeFile(tenant, stamp, convs); err != nil {
			return "", err
		}
	}
	return a.basePath, nil
}

func (a *LocalFileArchiver) writeFile(tenant, stamp string, convs []models.Conversation) (err error) {
	dir := filepath.Join(a.basePath, filepath.Base(tenant), "conversations")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	filename := stamp + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close archive file: %w", cerr)
		}
	}()

	enc := json.NewEncoder(f)
	if a.compress {
		gw := gzip.NewWriter(f)
		defer func() {
			if cerr := gw.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("flush archive file: %w", cerr)
			}
		}()
		enc = json.NewEncoder(gw)
	}

	for _, c := range convs {
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("encode conversation %s: %w", c.ID, err)
		}
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(convs)).
		Str("tenant_id", tenant).
		Msg("Archived conversations to local file")
	return nil
}

// HealthCheck verifies the base path is writable.
func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o750); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
