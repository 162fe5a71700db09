package nda

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsmn/ndasynapse/internal/config"
	"github.com/bsmn/ndasynapse/pkg/errors"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.DefaultConfig().NDA
	cfg.APIURL = server.URL + "/api"
	cfg.RetryMax = 2
	cfg.RetryDelaySecs = 0
	cfg.RateLimit = 0

	client, err := NewClient(&cfg, "user", "pass", testLogger())
	require.NoError(t, err)
	return client
}

func TestNewClient(t *testing.T) {
	cfg := config.DefaultConfig().NDA

	t.Run("nil configuration", func(t *testing.T) {
		_, err := NewClient(nil, "u", "p", testLogger())
		assert.ErrorContains(t, err, "nda configuration cannot be nil")
	})

	t.Run("nil logger", func(t *testing.T) {
		_, err := NewClient(&cfg, "u", "p", nil)
		assert.ErrorContains(t, err, "logger cannot be nil")
	})

	t.Run("missing credentials", func(t *testing.T) {
		_, err := NewClient(&cfg, "", "p", testLogger())
		assert.ErrorContains(t, err, "username and password are required")
	})
}

func TestListSubmissions(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "pass", pass)
		assert.Equal(t, "/api/submission/", r.URL.Path)
		assert.Equal(t, "2458", r.URL.Query().Get("collectionId"))
		assert.Equal(t, "false", r.URL.Query().Get("usersOwnSubmissions"))

		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"submission_id": "101", "dataset_title": "WGS batch 1", "submission_status": "Upload Completed", "collection": map[string]string{"id": "2458"}},
			{"submission_id": "102", "dataset_title": "WGS batch 2", "submission_status": "Upload Completed", "collection": map[string]string{"id": "2458"}},
		})
	}))

	subs, err := client.ListSubmissions(context.Background(), "2458")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "101", subs[0].ID)
	assert.Equal(t, "WGS batch 2", subs[1].Title)
	assert.Equal(t, "2458", subs[1].CollectionID())

	_, err = client.ListSubmissions(context.Background(), "")
	assert.Error(t, err)
}

func TestGetSubmission(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/submission/101", r.URL.Path)
			_, _ = w.Write([]byte(`{"submission_id":"101","dataset_title":"t","collection":{"id":"2458","title":"BSMN"}}`))
		}))

		sub, err := client.GetSubmission(context.Background(), "101")
		require.NoError(t, err)
		assert.Equal(t, "101", sub.ID)
		assert.Equal(t, "BSMN", sub.Collection.Title)
	})

	t.Run("not found is not retried", func(t *testing.T) {
		var calls int32
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			http.Error(w, "no such submission", http.StatusNotFound)
		}))

		_, err := client.GetSubmission(context.Background(), "999")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("server errors are retried", func(t *testing.T) {
		var calls int32
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_, _ = w.Write([]byte(`{"submission_id":"101"}`))
		}))

		sub, err := client.GetSubmission(context.Background(), "101")
		require.NoError(t, err)
		assert.Equal(t, "101", sub.ID)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))

		_, err := client.GetSubmission(context.Background(), "101")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "operation failed after 2 retries")
	})
}

func TestGetSubmissionFiles(t *testing.T) {
	t.Run("plain list", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/submission/101/files", r.URL.Path)
			_, _ = w.Write([]byte(`[
				{"id":1,"file_type":"Submission Manifest","file_remote_path":"s3://NDAR_Central_1/submission_101/manifest.json","size":10},
				{"id":2,"file_type":"Submission Data File","file_remote_path":"s3://NDAR_Central_1/submission_101/genomics_sample03.csv","size":20}
			]`))
		}))

		files, err := client.GetSubmissionFiles(context.Background(), "101")
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, "manifest.json", files[0].Name())
		assert.Equal(t, int64(20), files[1].Size)
	})

	t.Run("paged response", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("page") == "2" {
				_, _ = w.Write([]byte(`{"_embedded":{"files":[{"id":3,"file_type":"Submission Associated File","file_remote_path":"s3://b/c.bam"}]}}`))
				return
			}
			_, _ = w.Write([]byte(`{"files":[{"id":1,"file_type":"Submission Manifest","file_remote_path":"s3://b/m.json"}],"_links":{"next":{"href":"submission/101/files?page=2"}}}`))
		}))

		files, err := client.GetSubmissionFiles(context.Background(), "101")
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, int64(3), files[1].ID)
	})

	t.Run("pagination loop", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"files":[],"_links":{"next":{"href":"submission/101/files"}}}`))
		}))

		_, err := client.GetSubmissionFiles(context.Background(), "101")
		assert.ErrorContains(t, err, "pagination loop")
	})
}

func TestFilesByType(t *testing.T) {
	files := []SubmissionFile{
		{ID: 1, FileType: FileTypeManifest},
		{ID: 2, FileType: FileTypeDataFile},
		{ID: 3, FileType: "submission manifest"},
	}

	manifests := FilesByType(files, FileTypeManifest)
	require.Len(t, manifests, 2)
	assert.Equal(t, int64(1), manifests[0].ID)
	assert.Equal(t, int64(3), manifests[1].ID)
	assert.Empty(t, FilesByType(files, FileTypeTicket))
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		raw     string
		bucket  string
		key     string
		wantErr bool
	}{
		{raw: "s3://NDAR_Central_1/submission_101/a.bam", bucket: "NDAR_Central_1", key: "submission_101/a.bam"},
		{raw: "s3://bucket/k", bucket: "bucket", key: "k"},
		{raw: "https://bucket/k", wantErr: true},
		{raw: "s3://bucket", wantErr: true},
		{raw: "s3:///key", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			bucket, key, err := ParseS3URL(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestParseDataStructure(t *testing.T) {
	t.Run("submission csv", func(t *testing.T) {
		input := "genomics_sample,03,,\n" +
			"subjectkey,src_subject_id,sample_id_original,data_file1\n" +
			"NDAR_INVAB123,S1,5154_brain-BSMN_REF_NeuN+,5154_NeuN.bam\n" +
			"\n" +
			"NDAR_INVAB124,S2,5154_fibro,5154_fibro.bam\n"

		ds, err := ParseDataStructure("genomics_sample03.csv", strings.NewReader(input))
		require.NoError(t, err)
		assert.Equal(t, "genomics_sample", ds.ShortName)
		assert.Equal(t, "03", ds.Version)
		assert.Equal(t, "genomics_sample03", ds.Name())
		assert.Equal(t, []string{"subjectkey", "src_subject_id", "sample_id_original", "data_file1"}, ds.Columns)
		require.Len(t, ds.Rows, 2)
		assert.Equal(t, "5154_fibro.bam", ds.Rows[1]["data_file1"])
	})

	t.Run("tab delimited package with description row", func(t *testing.T) {
		input := "\xef\xbb\xbfnichd_btb\t02\n" +
			"subjectkey\tsample_id\n" +
			"The NDAR Global Unique Identifier (GUID) for research subject\tSample ID\n" +
			"NDAR_INVXYZ\tX1\n"

		ds, err := ParseDataStructure("nichd_btb02.txt", strings.NewReader(input))
		require.NoError(t, err)
		assert.Equal(t, "nichd_btb", ds.ShortName)
		require.Len(t, ds.Rows, 1)
		assert.Equal(t, "X1", ds.Rows[0]["sample_id"])
	})

	t.Run("short rows are padded", func(t *testing.T) {
		ds, err := ParseDataStructure("x", strings.NewReader("s,01\na,b,c\n1\n"))
		require.NoError(t, err)
		require.Len(t, ds.Rows, 1)
		assert.Equal(t, "", ds.Rows[0]["c"])
	})

	t.Run("long row", func(t *testing.T) {
		_, err := ParseDataStructure("x", strings.NewReader("s,01\na,b\n1,2,3\n"))
		assert.ErrorContains(t, err, "row has 3 fields")
	})

	t.Run("missing header", func(t *testing.T) {
		_, err := ParseDataStructure("x", strings.NewReader("s,01\n"))
		assert.Error(t, err)
	})

	t.Run("missing version", func(t *testing.T) {
		_, err := ParseDataStructure("x", strings.NewReader("s\na,b\n"))
		assert.ErrorContains(t, err, "first line")
	})
}

func TestParseManifest(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		m, err := ParseManifest("m.json", strings.NewReader(`{"files":[
			{"path":"5154/5154_NeuN.bam","name":"5154_NeuN.bam","size":1024,"md5sum":"abc"},
			{"path":"5154/5154_fibro.bam","size":2048}
		]}`))
		require.NoError(t, err)
		require.Len(t, m.Files, 2)
		assert.Equal(t, "5154_NeuN.bam", m.Files[0].FileName())
		assert.Equal(t, "5154_fibro.bam", m.Files[1].FileName())
		assert.Equal(t, int64(2048), m.Files[1].Size)
	})

	t.Run("empty file list", func(t *testing.T) {
		m, err := ParseManifest("m.json", strings.NewReader(`{"files":[]}`))
		require.NoError(t, err)
		assert.Empty(t, m.Files)
	})

	t.Run("entry without path", func(t *testing.T) {
		_, err := ParseManifest("m.json", strings.NewReader(`{"files":[{"name":"x"}]}`))
		assert.ErrorContains(t, err, "has no path")
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseManifest("m.json", strings.NewReader(`files:`))
		assert.Error(t, err)
	})
}
