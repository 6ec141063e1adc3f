// Package drive implements the pipeline's file sink against the Google
// Drive API.
package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	driveapi "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/adolfousier/invoicepilot/internal/pipeline"
)

const folderMimeType = "application/vnd.google-apps.folder"

// Sink adapts the Drive API to pipeline.FileSink for the destination
// account.
type Sink struct {
	svc *driveapi.Service
}

// New creates a Drive sink backed by the given token source.
func New(ctx context.Context, ts oauth2.TokenSource) (*Sink, error) {
	svc, err := driveapi.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	if err != nil {
		return nil, fmt.Errorf("create Drive service: %w", err)
	}
	return &Sink{svc: svc}, nil
}

// EnsurePath resolves the folder path left to right, creating each level
// only when absent, and returns the id of the deepest folder.
func (s *Sink) EnsurePath(ctx context.Context, segments []string) (string, error) {
	parent := "root"
	for _, name := range segments {
		if name == "" {
			continue
		}
		id, err := s.findFolder(ctx, name, parent)
		if err != nil {
			return "", err
		}
		if id == "" {
			id, err = s.createFolder(ctx, name, parent)
			if err != nil {
				return "", err
			}
		}
		parent = id
	}
	if parent == "root" {
		return "", pipeline.NewFault(pipeline.FaultRemote, "ensure path", fmt.Errorf("destination path is empty"))
	}
	return parent, nil
}

// Exists reports whether a file with this name already lives in the folder.
func (s *Sink) Exists(ctx context.Context, folderID, filename string) (bool, error) {
	q := fmt.Sprintf("name='%s' and '%s' in parents and trashed=false", escapeName(filename), folderID)
	list, err := s.svc.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return false, classify("check for duplicate", err)
	}
	return len(list.Files) > 0, nil
}

// Upload stores the bytes as a new file in the folder and returns its id.
func (s *Sink) Upload(ctx context.Context, folderID, filename string, data []byte) (string, error) {
	meta := &driveapi.File{
		Name:    filename,
		Parents: []string{folderID},
	}
	created, err := s.svc.Files.Create(meta).
		Media(bytes.NewReader(data)).
		Fields("id").
		Context(ctx).Do()
	if err != nil {
		return "", classify("upload file", err)
	}
	return created.Id, nil
}

func (s *Sink) findFolder(ctx context.Context, name, parent string) (string, error) {
	q := fmt.Sprintf("name='%s' and '%s' in parents and mimeType='%s' and trashed=false",
		escapeName(name), parent, folderMimeType)
	list, err := s.svc.Files.List().Q(q).Fields("files(id, name)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", classify("find folder", err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

func (s *Sink) createFolder(ctx context.Context, name, parent string) (string, error) {
	meta := &driveapi.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parent},
	}
	created, err := s.svc.Files.Create(meta).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", classify("create folder", err)
	}
	return created.Id, nil
}

// escapeName escapes backslashes and single quotes for embedding in a Drive
// query string. Backslashes first, or the quote escapes would be doubled.
func escapeName(name string) string {
	name = strings.ReplaceAll(name, `\`, `\\`)
	return strings.ReplaceAll(name, "'", `\'`)
}

// classify maps a Drive API error onto the pipeline fault taxonomy.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == 403 && hasRateLimitReason(gerr) {
			return pipeline.NewFault(pipeline.FaultRateLimited, op, err)
		}
		return pipeline.ClassifyStatus(op, gerr.Code, err)
	}
	return pipeline.NewFault(pipeline.FaultTransient, op, err)
}

func hasRateLimitReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if strings.Contains(item.Reason, "ateLimitExceeded") {
			return true
		}
	}
	return false
}
