package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"kbagent/internal/foundry"
	"kbagent/internal/logging"
)

// DocumentExtensions are the file types uploaded to the knowledge store.
var DocumentExtensions = []string{".json", ".txt", ".md", ".pdf"}

func isDocument(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range DocumentExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// DiscoverDocuments lists the regular files directly inside dir whose
// extension is a document type. Symlinks count when they resolve to a regular
// file. A missing directory yields no documents.
func DiscoverDocuments(dir string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read knowledge directory: %w", err)
	}
	var docs []string
	for _, entry := range entries {
		if !isDocument(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if !isRegularFile(entry, path) {
			continue
		}
		docs = append(docs, path)
	}
	return docs, nil
}

func isRegularFile(entry fs.DirEntry, path string) bool {
	if entry.Type().IsRegular() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		logging.WarnLog("knowledge: skipping %s: %v", entry.Name(), err)
		return false
	}
	return info.Mode().IsRegular()
}

// provisionKnowledge creates the vector store and loads every document into it.
// Individual document failures are logged and skipped.
func (c *Controller) provisionKnowledge(ctx context.Context, remote Remote) (*KnowledgeStore, error) {
	vs, err := remote.CreateVectorStore(ctx, c.opts.VectorStoreName)
	if err != nil {
		return nil, &ProvisioningError{Step: StepKnowledgeStore, Err: err}
	}
	c.record(ctx, KindVectorStore, vs.ID)
	store := &KnowledgeStore{ID: vs.ID}
	c.log.Info("knowledge store created", logging.Fields{"name": c.opts.VectorStoreName})

	docs, err := DiscoverDocuments(c.opts.KnowledgeDir)
	if err != nil {
		c.log.Warn("knowledge directory unreadable", logging.Fields{"dir": c.opts.KnowledgeDir, "error": err.Error()})
		return store, nil
	}
	if len(docs) == 0 {
		c.log.Info("no documents found", logging.Fields{"dir": c.opts.KnowledgeDir})
		return store, nil
	}

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return store, &ProvisioningError{Step: StepDocuments, Err: err}
		}
		fileID, err := c.uploadDocument(ctx, remote, vs.ID, doc)
		if fileID != "" {
			store.FileIDs = append(store.FileIDs, fileID)
		}
		if err != nil {
			c.log.Warn("document skipped", logging.Fields{"file": filepath.Base(doc), "error": foundry.Redact(err.Error())})
			continue
		}
		store.Documents = append(store.Documents, doc)
	}
	c.log.Info("documents uploaded", logging.Fields{"uploaded": len(store.Documents), "found": len(docs)})
	return store, nil
}

// uploadDocument uploads one file then attaches it to the store. The file id is
// returned whenever the upload itself succeeded so teardown can delete it.
func (c *Controller) uploadDocument(ctx context.Context, remote Remote, storeID, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	file, err := remote.UploadFile(ctx, filepath.Base(path), f)
	if err != nil {
		return "", err
	}
	c.record(ctx, KindFile, file.ID)
	if err := remote.AttachFile(ctx, storeID, file.ID); err != nil {
		return file.ID, err
	}
	return file.ID, nil
}
