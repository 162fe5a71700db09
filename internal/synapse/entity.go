package synapse

import (
	"context"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/bsmn/ndasynapse/pkg/errors"
)

// Concrete types used by the sync
const (
	FileEntityType         = "org.sagebionetworks.repo.model.FileEntity"
	ExternalFileHandleType = "org.sagebionetworks.repo.model.file.ExternalFileHandle"
)

// ExternalFileHandle points Synapse at a file it does not store, here an
// object in the NDA S3 buckets
type ExternalFileHandle struct {
	ID           string `json:"id,omitempty"`
	ConcreteType string `json:"concreteType"`
	ExternalURL  string `json:"externalURL"`
	FileName     string `json:"fileName,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
	ContentMd5   string `json:"contentMd5,omitempty"`
	ContentSize  int64  `json:"contentSize,omitempty"`
}

// Entity is the subset of a Synapse entity the sync reads and writes
type Entity struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name"`
	ParentID         string `json:"parentId"`
	ConcreteType     string `json:"concreteType"`
	Etag             string `json:"etag,omitempty"`
	DataFileHandleID string `json:"dataFileHandleId,omitempty"`
	VersionNumber    int64  `json:"versionNumber,omitempty"`
}

// CreateExternalFileHandle registers an external URL as a file handle
func (c *Client) CreateExternalFileHandle(ctx context.Context, fh ExternalFileHandle) (*ExternalFileHandle, error) {
	if fh.ExternalURL == "" {
		return nil, errors.NewSynapseError("create file handle", 0, "", fmt.Errorf("external URL cannot be empty"))
	}
	fh.ConcreteType = ExternalFileHandleType

	var out ExternalFileHandle
	if err := c.do(ctx, "create file handle", "POST", "/file/v1/externalFileHandle", fh, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LookupChild returns the id of the named child of parentID, or "" when
// there is none
func (c *Client) LookupChild(ctx context.Context, parentID, name string) (string, error) {
	in := map[string]string{"parentId": parentID, "entityName": name}
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, "lookup child", "POST", "/repo/v1/entity/child", in, &out)
	if errors.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetEntity reads an entity
func (c *Client) GetEntity(ctx context.Context, id string) (*Entity, error) {
	var out Entity
	if err := c.do(ctx, "get entity", "GET", "/repo/v1/entity/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateEntity creates a new entity
func (c *Client) CreateEntity(ctx context.Context, e *Entity) (*Entity, error) {
	var out Entity
	if err := c.do(ctx, "create entity", "POST", "/repo/v1/entity", e, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateEntity writes an entity; e.Etag must match the server's
func (c *Client) UpdateEntity(ctx context.Context, e *Entity) (*Entity, error) {
	if e.ID == "" {
		return nil, errors.NewSynapseError("update entity", 0, "", fmt.Errorf("entity id cannot be empty"))
	}
	var out Entity
	if err := c.do(ctx, "update entity", "PUT", "/repo/v1/entity/"+url.PathEscape(e.ID), e, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FileSpec describes a file to register under a parent container
type FileSpec struct {
	URL         string
	Name        string
	ContentType string
	MD5         string
	Size        int64
	Annotations map[string]string
}

// StoreFile creates or updates a FileEntity named spec.Name under parentID
// pointing at spec.URL, then applies its annotations. It reports whether
// the entity was newly created.
func (c *Client) StoreFile(ctx context.Context, parentID string, spec FileSpec) (string, bool, error) {
	if parentID == "" {
		return "", false, errors.NewSynapseError("store file", 0, "", fmt.Errorf("parent id cannot be empty"))
	}
	if spec.Name == "" {
		return "", false, errors.NewSynapseError("store file", 0, "", fmt.Errorf("file name cannot be empty"))
	}

	fh, err := c.CreateExternalFileHandle(ctx, ExternalFileHandle{
		ExternalURL: spec.URL,
		FileName:    spec.Name,
		ContentType: spec.ContentType,
		ContentMd5:  spec.MD5,
		ContentSize: spec.Size,
	})
	if err != nil {
		return "", false, err
	}

	existingID, err := c.LookupChild(ctx, parentID, spec.Name)
	if err != nil {
		return "", false, err
	}

	var entity *Entity
	created := existingID == ""
	if created {
		entity, err = c.CreateEntity(ctx, &Entity{
			Name:             spec.Name,
			ParentID:         parentID,
			ConcreteType:     FileEntityType,
			DataFileHandleID: fh.ID,
		})
	} else {
		entity, err = c.updateFileHandle(ctx, existingID, fh.ID)
	}
	if err != nil {
		return "", false, err
	}

	if len(spec.Annotations) > 0 {
		if err := c.SetAnnotations(ctx, entity.ID, spec.Annotations); err != nil {
			return entity.ID, created, err
		}
	}

	c.logger.WithFields(logrus.Fields{
		"entity_id": entity.ID,
		"name":      spec.Name,
		"parent_id": parentID,
		"created":   created,
	}).Info("Stored file in Synapse")

	return entity.ID, created, nil
}

// updateFileHandle points an existing entity at a new file handle,
// re-reading once if the etag went stale in between
func (c *Client) updateFileHandle(ctx context.Context, id, fileHandleID string) (*Entity, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := c.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.DataFileHandleID == fileHandleID {
			return current, nil
		}
		current.DataFileHandleID = fileHandleID

		updated, err := c.UpdateEntity(ctx, current)
		if err == nil {
			return updated, nil
		}
		if !errors.IsConflict(err) {
			return nil, err
		}
		lastErr = err
		c.logger.WithField("entity_id", id).Debug("Entity etag changed, retrying update")
	}
	return nil, lastErr
}
