// Package artifact defines the ArtifactService interface the executor
// consumes (spec §1: "the executor consumes an ArtifactService
// interface") and the URI scheme of spec §6, generalizing the teacher's
// CASClient interface (cmd/workflow-runner/sdk) from an opaque
// content-addressed blob to the versioned, session-scoped artifact the
// gateway's blob store actually implements.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
)

// Ref identifies one version of a named artifact within a session.
type Ref struct {
	AppName   string
	UserID    string
	SessionID string
	Filename  string
	Version   int
}

// URI renders the artifact:// form agents are handed verbatim (spec §6).
func (r Ref) URI() string {
	return fmt.Sprintf("artifact://%s/%s/%s/%s?version=%d", r.AppName, r.UserID, r.SessionID, r.Filename, r.Version)
}

// Service is the external collaborator the executor reads/writes
// artifacts through. The blob store implementation itself is out of
// scope (spec §1); the executor only depends on this interface.
type Service interface {
	// Get loads the raw bytes of an artifact version.
	Get(ctx context.Context, ref Ref) ([]byte, error)
	// Put stores data as a new version of filename, returning the
	// assigned version number.
	Put(ctx context.Context, appName, userID, sessionID, filename string, data []byte, mediaType string) (int, error)
}

// LoadJSON loads an artifact and JSON-decodes it, the path every agent
// node result and fork/map merge takes (spec §4.4, §4.5).
func LoadJSON(ctx context.Context, svc Service, ref Ref) (any, error) {
	b, err := svc.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", ref.URI(), err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", ref.URI(), err)
	}
	return v, nil
}

// StoreJSON marshals v and stores it as filename, returning the new Ref.
func StoreJSON(ctx context.Context, svc Service, appName, userID, sessionID, filename string, v any) (Ref, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Ref{}, fmt.Errorf("marshal artifact %s: %w", filename, err)
	}
	version, err := svc.Put(ctx, appName, userID, sessionID, filename, b, "application/json")
	if err != nil {
		return Ref{}, fmt.Errorf("store artifact %s: %w", filename, err)
	}
	return Ref{AppName: appName, UserID: userID, SessionID: sessionID, Filename: filename, Version: version}, nil
}
