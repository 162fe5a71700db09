// Package manifest turns NDA submissions into Synapse file records and
// writes them as a Synapse sync manifest.
package manifest

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bsmn/ndasynapse/internal/nda"
)

// Annotation keys added to every record
const (
	AnnotationSubmissionID  = "submission_id"
	AnnotationCollectionID  = "collection_id"
	AnnotationDataStructure = "data_structure"
	AnnotationFileType      = "nda_file_type"
)

// Record is one file to register in Synapse
type Record struct {
	Path        string
	Name        string
	Parent      string
	Size        int64
	MD5         string
	ContentType string
	Annotations map[string]string
}

// Input collects everything known about one submission
type Input struct {
	Submission nda.Submission
	Files      []nda.SubmissionFile
	Manifests  []*nda.Manifest
	Tables     []*nda.DataStructure
}

// Build produces the records for a set of submissions. Associated files
// listed in manifests are resolved to their S3 location and matched to data
// structure rows that reference them by path or file name; data structure
// files and unlisted associated files are emitted too. The first record for
// a path wins, names are made unique under their parent and the output is
// sorted by path. Manifest entries that cannot be placed in S3 are logged
// and skipped.
func Build(inputs []Input, parent string, logger *logrus.Logger) []Record {
	byPath := make(map[string]Record)
	var order []string

	add := func(r Record) {
		if _, ok := byPath[r.Path]; ok {
			return
		}
		byPath[r.Path] = r
		order = append(order, r.Path)
	}

	for _, in := range inputs {
		base := map[string]string{
			AnnotationSubmissionID: in.Submission.ID,
		}
		if id := in.Submission.CollectionID(); id != "" {
			base[AnnotationCollectionID] = id
		}

		index := newRowIndex(in.Tables)
		located := newLocator(in.Files)

		for _, m := range in.Manifests {
			for _, entry := range m.Files {
				ann := copyMap(base)
				ann[AnnotationFileType] = nda.FileTypeAssociatedFile
				index.annotate(ann, entry)

				rec := Record{
					Path:        entry.Path,
					Name:        entry.FileName(),
					Parent:      parent,
					Size:        entry.Size,
					MD5:         entry.MD5Sum,
					ContentType: contentType(entry.FileName()),
					Annotations: ann,
				}
				if f, ok := located.find(entry.Path); ok {
					rec.Path = f.RemotePath
					if rec.Size == 0 {
						rec.Size = f.Size
					}
					if rec.MD5 == "" {
						rec.MD5 = f.MD5
					}
				} else if !strings.HasPrefix(entry.Path, "s3://") {
					root := located.root()
					if root == "" {
						logger.WithFields(logrus.Fields{
							"submission_id": in.Submission.ID,
							"path":          entry.Path,
						}).Warn("Skipping manifest entry with no S3 location")
						continue
					}
					rec.Path = root + normalize(entry.Path)
				}
				add(rec)
			}
		}

		for _, f := range nda.FilesByType(in.Files, nda.FileTypeAssociatedFile) {
			if located.used[f.RemotePath] {
				continue
			}
			ann := copyMap(base)
			ann[AnnotationFileType] = nda.FileTypeAssociatedFile
			index.annotate(ann, nda.ManifestEntry{Path: f.RemotePath})
			add(Record{
				Path:        f.RemotePath,
				Name:        f.Name(),
				Parent:      parent,
				Size:        f.Size,
				MD5:         f.MD5,
				ContentType: contentType(f.Name()),
				Annotations: ann,
			})
		}

		for _, f := range nda.FilesByType(in.Files, nda.FileTypeDataFile) {
			ann := copyMap(base)
			ann[AnnotationFileType] = nda.FileTypeDataFile
			if ds := index.structureFor(f.Name()); ds != "" {
				ann[AnnotationDataStructure] = ds
			}
			add(Record{
				Path:        f.RemotePath,
				Name:        f.Name(),
				Parent:      parent,
				Size:        f.Size,
				MD5:         f.MD5,
				ContentType: contentType(f.Name()),
				Annotations: ann,
			})
		}
	}

	sort.Strings(order)
	records := make([]Record, 0, len(order))
	for _, p := range order {
		records = append(records, byPath[p])
	}
	uniqueNames(records, logger)
	return records
}

type nameKey struct {
	parent string
	name   string
}

// uniqueNames renames records that share a name under the same parent, since
// Synapse keys entities by parent and name. Every record in a clash gets its
// submission id as a prefix, plus a numeric suffix if that is still taken.
// records must be sorted by path so the outcome does not depend on input
// order.
func uniqueNames(records []Record, logger *logrus.Logger) {
	groups := make(map[nameKey][]int)
	var clashes []nameKey
	for i, r := range records {
		k := nameKey{r.Parent, r.Name}
		groups[k] = append(groups[k], i)
		if len(groups[k]) == 2 {
			clashes = append(clashes, k)
		}
	}
	if len(clashes) == 0 {
		return
	}

	taken := make(map[nameKey]bool, len(records))
	for k, idx := range groups {
		if len(idx) == 1 {
			taken[k] = true
		}
	}

	for _, k := range clashes {
		for _, i := range groups[k] {
			r := &records[i]
			name := r.Name
			if id := r.Annotations[AnnotationSubmissionID]; id != "" {
				name = id + "_" + name
			}
			ext := path.Ext(name)
			stem := strings.TrimSuffix(name, ext)
			for n := 2; taken[nameKey{r.Parent, name}]; n++ {
				name = fmt.Sprintf("%s_%d%s", stem, n, ext)
			}
			taken[nameKey{r.Parent, name}] = true

			logger.WithFields(logrus.Fields{
				"path":      r.Path,
				"name":      k.name,
				"parent_id": r.Parent,
				"renamed":   name,
			}).Info("Renamed file to avoid a name clash")
			r.Name = name
		}
	}
}

// locator resolves manifest paths, which are relative to the submitter's
// machine, to the S3 objects NDA stored them as
type locator struct {
	files []nda.SubmissionFile
	used  map[string]bool
}

func newLocator(files []nda.SubmissionFile) *locator {
	return &locator{
		files: nda.FilesByType(files, nda.FileTypeAssociatedFile),
		used:  make(map[string]bool),
	}
}

// find matches on path suffix first, then on base name
func (l *locator) find(manifestPath string) (nda.SubmissionFile, bool) {
	p := normalize(manifestPath)
	if strings.HasPrefix(manifestPath, "s3://") {
		for _, f := range l.files {
			if f.RemotePath == manifestPath {
				l.used[f.RemotePath] = true
				return f, true
			}
		}
		return nda.SubmissionFile{}, false
	}

	for _, f := range l.files {
		if strings.HasSuffix(f.RemotePath, "/"+p) {
			l.used[f.RemotePath] = true
			return f, true
		}
	}
	name := path.Base(p)
	for _, f := range l.files {
		if f.Name() == name {
			l.used[f.RemotePath] = true
			return f, true
		}
	}
	return nda.SubmissionFile{}, false
}

// root returns the longest directory prefix shared by all of the
// submission's associated files in S3, ending in a slash
func (l *locator) root() string {
	var common []string
	seen := false
	for _, f := range l.files {
		if !strings.HasPrefix(f.RemotePath, "s3://") {
			continue
		}
		dirs := strings.Split(strings.TrimPrefix(f.RemotePath, "s3://"), "/")
		dirs = dirs[:len(dirs)-1]
		if !seen {
			common, seen = dirs, true
			continue
		}
		n := 0
		for n < len(common) && n < len(dirs) && common[n] == dirs[n] {
			n++
		}
		common = common[:n]
	}
	if len(common) == 0 {
		return ""
	}
	return "s3://" + strings.Join(common, "/") + "/"
}

// normalize strips drive letters and leading separators from a local path
func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if len(p) > 1 && p[1] == ':' {
		p = p[2:]
	}
	return strings.TrimLeft(p, "/")
}

type rowHit struct {
	structure string
	row       map[string]string
}

// rowIndex maps every cell value of every data structure row to that row
type rowIndex struct {
	cells      map[string]rowHit
	structures map[string]bool
}

func newRowIndex(tables []*nda.DataStructure) *rowIndex {
	idx := &rowIndex{cells: make(map[string]rowHit), structures: make(map[string]bool)}
	for _, ds := range tables {
		if ds == nil {
			continue
		}
		for _, row := range ds.Rows {
			for _, col := range ds.Columns {
				v := row[col]
				if v == "" {
					continue
				}
				if _, ok := idx.cells[v]; !ok {
					idx.cells[v] = rowHit{structure: ds.Name(), row: row}
				}
			}
		}
	}
	for _, ds := range tables {
		if ds != nil {
			idx.structures[ds.Name()] = true
		}
	}
	return idx
}

func (idx *rowIndex) match(entry nda.ManifestEntry) (rowHit, bool) {
	candidates := []string{entry.Path, entry.FileName()}
	// every trailing run of path segments, longest first
	parts := strings.Split(normalize(entry.Path), "/")
	for i := range parts {
		candidates = append(candidates, strings.Join(parts[i:], "/"))
	}
	for _, c := range candidates {
		if hit, ok := idx.cells[c]; ok {
			return hit, true
		}
	}
	return rowHit{}, false
}

// annotate copies the non-empty cells of the row referencing entry into ann
func (idx *rowIndex) annotate(ann map[string]string, entry nda.ManifestEntry) {
	hit, ok := idx.match(entry)
	if !ok {
		return
	}
	ann[AnnotationDataStructure] = hit.structure
	for k, v := range hit.row {
		if v != "" {
			ann[k] = v
		}
	}
}

// structureFor returns the structure name for a data file such as
// genomics_sample03.csv
func (idx *rowIndex) structureFor(name string) string {
	stem := strings.TrimSuffix(name, path.Ext(name))
	if idx.structures[stem] {
		return stem
	}
	return ""
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+8)
	for k, v := range m {
		out[k] = v
	}
	return out
}

var contentTypes = map[string]string{
	".bam":   "application/octet-stream",
	".bai":   "application/octet-stream",
	".cram":  "application/octet-stream",
	".crai":  "application/octet-stream",
	".vcf":   "text/plain",
	".csv":   "text/csv",
	".tsv":   "text/tab-separated-values",
	".txt":   "text/plain",
	".json":  "application/json",
	".gz":    "application/gzip",
	".fastq": "text/plain",
	".fq":    "text/plain",
}

// contentType guesses a MIME type from the file extension
func contentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
