package gdrive

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// Backup copies finished recordings into a Drive folder.
type Backup struct {
	service  *drive.Service
	folderID string

	mu      sync.Mutex
	fileIDs map[string]string
}

func NewBackup(ctx context.Context, credPath, folderID string) (*Backup, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(config))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return &Backup{
		service:  svc,
		folderID: folderID,
		fileIDs:  make(map[string]string),
	}, nil
}

// Upload stores localPath under name, replacing the content of a previous
// upload with the same name.
func (b *Backup) Upload(ctx context.Context, localPath, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	fileID, ok := b.fileIDs[name]
	if !ok {
		fileID, err = b.lookup(ctx, name)
		if err != nil {
			return err
		}
	}

	if fileID != "" {
		if _, err := b.service.Files.Update(fileID, &drive.File{}).Media(f).Context(ctx).Do(); err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
		b.fileIDs[name] = fileID
		return nil
	}

	doc, err := b.service.Files.Create(&drive.File{
		Name:     name,
		MimeType: mimeType(name),
		Parents:  []string{b.folderID},
	}).Media(f).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("drive create: %w", err)
	}

	b.fileIDs[name] = doc.Id
	return nil
}

// Remove deletes the backup copy of name. A missing copy is not an error.
func (b *Backup) Remove(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fileID, ok := b.fileIDs[name]
	if !ok {
		var err error
		if fileID, err = b.lookup(ctx, name); err != nil {
			return err
		}
	}
	if fileID == "" {
		return nil
	}

	if err := b.service.Files.Delete(fileID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("drive delete: %w", err)
	}
	delete(b.fileIDs, name)
	return nil
}

func (b *Backup) lookup(ctx context.Context, name string) (string, error) {
	list, err := b.service.Files.List().
		Q(listQuery(name, b.folderID)).
		Fields("files(id)").
		PageSize(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("drive list: %w", err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

func listQuery(name, folderID string) string {
	escape := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false", escape.Replace(name), escape.Replace(folderID))
}

func mimeType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
