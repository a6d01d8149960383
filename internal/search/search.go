// Package search indexes chat messages in Elasticsearch for the admin
// message search.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/elastic/go-elasticsearch/v9"

	"github.com/Skotchmaster/shop_assistant/internal/models"
)

var ErrSearch = errors.New("search error")

type Options struct {
	URL      string
	Username string
	Password string
	Index    string
}

type Index struct {
	es   *elasticsearch.Client
	name string
}

// Connect builds the client and checks the cluster answers.
func Connect(ctx context.Context, opts Options) (*Index, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{opts.URL},
		Username:  opts.Username,
		Password:  opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	idx := &Index{es: client, name: opts.Index}
	if err := idx.Ping(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (i *Index) Ping(ctx context.Context) error {
	res, err := i.es.Info(i.es.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: info: %v", ErrSearch, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w: info: %s", ErrSearch, res.Status())
	}
	return nil
}

func (i *Index) IndexMessage(ctx context.Context, m models.Message) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("%w: encode: %v", ErrSearch, err)
	}

	res, err := i.es.Index(i.name, &buf,
		i.es.Index.WithContext(ctx),
		i.es.Index.WithDocumentID(strconv.FormatUint(uint64(m.ID), 10)),
	)
	if err != nil {
		return fmt.Errorf("%w: index: %v", ErrSearch, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%w: index: %s: %s", ErrSearch, res.Status(), body)
	}
	return nil
}

type Query struct {
	Text      string
	SessionID string
	From      int
	Size      int
}

func (i *Index) Search(ctx context.Context, q Query) (int64, []models.Message, error) {
	must := []map[string]any{{
		"match": map[string]any{
			"content": map[string]any{
				"query":     q.Text,
				"fuzziness": "AUTO",
			},
		},
	}}
	filter := []map[string]any{}
	if q.SessionID != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"session_id": q.SessionID}})
	}

	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{"must": must, "filter": filter},
		},
		"sort": []map[string]any{{"created_at": map[string]any{"order": "desc"}}},
		"from": q.From,
		"size": q.Size,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return 0, nil, fmt.Errorf("%w: encode: %v", ErrSearch, err)
	}

	res, err := i.es.Search(
		i.es.Search.WithContext(ctx),
		i.es.Search.WithIndex(i.name),
		i.es.Search.WithBody(&buf),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrSearch, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, nil, fmt.Errorf("%w: %s", ErrSearch, res.Status())
	}

	var r struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source models.Message `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return 0, nil, fmt.Errorf("%w: decode: %v", ErrSearch, err)
	}

	msgs := make([]models.Message, len(r.Hits.Hits))
	for n, hit := range r.Hits.Hits {
		msgs[n] = hit.Source
	}
	return r.Hits.Total.Value, msgs, nil
}
