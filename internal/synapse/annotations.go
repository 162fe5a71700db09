package synapse

import (
	"context"
	"net/url"
	"sort"

	"github.com/bsmn/ndasynapse/pkg/errors"
)

// AnnotationValue is a typed annotation in the v2 annotation model
type AnnotationValue struct {
	Type  string   `json:"type"`
	Value []string `json:"value"`
}

// Annotations is the v2 annotations document of an entity
type Annotations struct {
	ID          string                     `json:"id"`
	Etag        string                     `json:"etag"`
	Annotations map[string]AnnotationValue `json:"annotations"`
}

// Strings flattens the annotations to their first string value
func (a *Annotations) Strings() map[string]string {
	out := make(map[string]string, len(a.Annotations))
	for k, v := range a.Annotations {
		if len(v.Value) > 0 {
			out[k] = v.Value[0]
		}
	}
	return out
}

// GetAnnotations reads the annotations of an entity
func (c *Client) GetAnnotations(ctx context.Context, id string) (*Annotations, error) {
	var out Annotations
	if err := c.do(ctx, "get annotations", "GET", "/repo/v1/entity/"+url.PathEscape(id)+"/annotations2", nil, &out); err != nil {
		return nil, err
	}
	if out.Annotations == nil {
		out.Annotations = make(map[string]AnnotationValue)
	}
	return &out, nil
}

// SetAnnotations merges values into the entity's annotations as STRING
// annotations. Empty values remove the key.
func (c *Client) SetAnnotations(ctx context.Context, id string, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := c.GetAnnotations(ctx, id)
		if err != nil {
			return err
		}

		for _, k := range keys {
			if values[k] == "" {
				delete(current.Annotations, k)
				continue
			}
			current.Annotations[k] = AnnotationValue{Type: "STRING", Value: []string{values[k]}}
		}

		err = c.do(ctx, "set annotations", "PUT", "/repo/v1/entity/"+url.PathEscape(id)+"/annotations2", current, nil)
		if err == nil {
			return nil
		}
		if !errors.IsConflict(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
