package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	mcperr "github.com/vinayprograms/mcpnats/errors"
)

// SearchHit is one ranked search result.
type SearchHit struct {
	Descriptor ServiceDescriptor
	Score      float64
}

// Index is an in-memory full-text index over service descriptors.
// Feed it from Registry.List and Registry.Watch through Apply.
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	descs  map[string]ServiceDescriptor
	closed bool
}

// indexDocument is the flattened form stored in bleve.
type indexDocument struct {
	Service     string `json:"service"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Methods     string `json:"methods"`
	Metadata    string `json:"metadata"`
}

// NewIndex creates an empty in-memory index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, mcperr.Internal("create search index", mcperr.WithCause(err))
	}
	return &Index{
		index: idx,
		descs: make(map[string]ServiceDescriptor),
	}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	keywordFieldMapping := bleve.NewKeywordFieldMapping()

	docMapping.AddFieldMappingsAt("service", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("name", textFieldMapping)
	docMapping.AddFieldMappingsAt("description", textFieldMapping)
	docMapping.AddFieldMappingsAt("methods", textFieldMapping)
	docMapping.AddFieldMappingsAt("metadata", textFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

func toDocument(d ServiceDescriptor) indexDocument {
	// Split subject tokens and method paths so each part is searchable.
	words := strings.NewReplacer(".", " ", "/", " ", "_", " ", "-", " ")

	meta := make([]string, 0, len(d.Metadata))
	for k, v := range d.Metadata {
		meta = append(meta, k+" "+v)
	}
	sort.Strings(meta)

	return indexDocument{
		Service:     d.Service,
		Name:        words.Replace(d.Service),
		Description: d.Description,
		Methods:     words.Replace(strings.Join(d.Methods, " ")),
		Metadata:    words.Replace(strings.Join(meta, " ")),
	}
}

// Add indexes or replaces a descriptor.
func (x *Index) Add(d ServiceDescriptor) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	if err := x.index.Index(d.Key(), toDocument(d)); err != nil {
		return mcperr.Internal("index descriptor", mcperr.WithCause(err))
	}
	x.descs[d.Key()] = cloneDescriptor(d)
	return nil
}

// Remove drops a descriptor. Removing an unknown key is not an error.
func (x *Index) Remove(service, instanceID string) error {
	key := ServiceDescriptor{Service: service, InstanceID: instanceID}.Key()

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	if err := x.index.Delete(key); err != nil {
		return mcperr.Internal("remove descriptor", mcperr.WithCause(err))
	}
	delete(x.descs, key)
	return nil
}

// Apply updates the index from a registry event.
func (x *Index) Apply(ev Event) error {
	if ev.Type == EventRemoved {
		return x.Remove(ev.Descriptor.Service, ev.Descriptor.InstanceID)
	}
	return x.Add(ev.Descriptor)
}

// Load replaces the index contents with descs.
func (x *Index) Load(descs []ServiceDescriptor) error {
	x.mu.RLock()
	stale := make([]ServiceDescriptor, 0, len(x.descs))
	for _, d := range x.descs {
		stale = append(stale, d)
	}
	x.mu.RUnlock()

	keep := make(map[string]bool, len(descs))
	for _, d := range descs {
		keep[d.Key()] = true
		if err := x.Add(d); err != nil {
			return err
		}
	}
	for _, d := range stale {
		if keep[d.Key()] {
			continue
		}
		if err := x.Remove(d.Service, d.InstanceID); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of indexed descriptors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.descs)
}

// Search returns descriptors matching text, best match first. An empty
// query matches everything. limit <= 0 means 10.
func (x *Index) Search(text string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, ErrClosed
	}

	req := bleve.NewSearchRequest(buildQuery(text))
	req.Size = limit

	res, err := x.index.Search(req)
	if err != nil {
		return nil, mcperr.Internal("search descriptors", mcperr.WithCause(err))
	}

	hits := make([]SearchHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		d, ok := x.descs[hit.ID]
		if !ok {
			continue
		}
		hits = append(hits, SearchHit{Descriptor: cloneDescriptor(d), Score: hit.Score})
	}
	return hits, nil
}

// buildQuery ORs a match on the whole text with an exact service match, so
// "mcp.weather" finds the service by name as well as by its words.
func buildQuery(text string) query.Query {
	text = strings.TrimSpace(text)
	if text == "" {
		return bleve.NewMatchAllQuery()
	}

	match := bleve.NewMatchQuery(strings.NewReplacer(".", " ", "/", " ").Replace(text))

	exact := bleve.NewTermQuery(text)
	exact.SetField("service")
	exact.SetBoost(2)

	return bleve.NewDisjunctionQuery(match, exact)
}

// Close releases the index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	x.descs = nil
	return x.index.Close()
}
