// Package weaviate talks to a Weaviate server over its REST and GraphQL API.
package weaviate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"annbench/internal/backend"
	"annbench/internal/recall"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

const DefaultAddress = "http://localhost:8080"

func init() {
	backend.Register("weaviate", New)
}

type Weaviate struct {
	cfg    backend.Config
	client *weaviate.Client
	class  string

	// ef is a class level setting, switching it is serialized.
	efMu sync.Mutex
	ef   int
}

func New(ctx context.Context, cfg backend.Config) (backend.Searcher, error) {
	scheme, host, err := splitAddress(cfg.Address)
	if err != nil {
		return nil, err
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = max(cfg.ConnectRetries, 1)
	retryClient.Logger = nil

	client, err := weaviate.NewClient(weaviate.Config{
		Host:             host,
		Scheme:           scheme,
		ConnectionClient: retryClient.HTTPClient,
		StartupTimeout:   30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	err = backend.WaitReady(ctx, "weaviate", cfg.ConnectRetries, func(ctx context.Context) error {
		ready, err := client.Misc().ReadyChecker().Do(ctx)
		if err != nil {
			return err
		}
		if !ready {
			return errors.New("weaviate is not ready")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Weaviate{cfg: cfg, client: client, class: className(cfg.Collection)}, nil
}

func splitAddress(addr string) (scheme, host string, err error) {
	if addr == "" {
		addr = DefaultAddress
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("invalid weaviate address %q: %w", addr, err)
	}
	return u.Scheme, u.Host, nil
}

// className returns a valid class name. Weaviate requires class names to
// start with an upper case letter.
func className(collection string) string {
	if collection == "" {
		return "Bench"
	}
	return strings.ToUpper(collection[:1]) + collection[1:]
}

func distanceOf(m recall.Metric) string {
	switch m {
	case recall.InnerProduct:
		return "dot"
	case recall.L2:
		return "l2-squared"
	default:
		return "cosine"
	}
}

func uuidFromInt(val int64) strfmt.UUID {
	bytes := make([]byte, 16)
	binary.BigEndian.PutUint64(bytes[8:], uint64(val))
	id, err := uuid.FromBytes(bytes)
	if err != nil {
		panic(err)
	}
	return strfmt.UUID(id.String())
}

func intFromUUID(s string) (int64, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(id[8:])), nil
}

func (w *Weaviate) Load(ctx context.Context, corpus [][]float32) error {
	if len(corpus) == 0 {
		return errors.New("empty corpus")
	}

	if err := w.client.Schema().ClassDeleter().WithClassName(w.class).Do(ctx); err != nil {
		log.WithError(err).Debug("delete class")
	}

	class := &models.Class{
		Class:           w.class,
		Description:     "annbench corpus",
		Vectorizer:      "none",
		VectorIndexType: "hnsw",
		VectorIndexConfig: map[string]interface{}{
			"distance":       distanceOf(w.cfg.Metric),
			"efConstruction": float64(w.cfg.EFConstruction),
			"maxConnections": float64(w.cfg.M),
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create class %v: %w", w.class, err)
	}

	for _, b := range backend.Batches(len(corpus), w.cfg.InsertBatch) {
		objects := make([]*models.Object, 0, b[1]-b[0])
		for i := b[0]; i < b[1]; i++ {
			objects = append(objects, &models.Object{
				Class:  w.class,
				ID:     uuidFromInt(int64(i)),
				Vector: corpus[i],
			})
		}
		resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return fmt.Errorf("insert objects [%d,%d): %w", b[0], b[1], err)
		}
		if err := batchError(resp); err != nil {
			return fmt.Errorf("insert objects [%d,%d): %w", b[0], b[1], err)
		}
	}

	w.efMu.Lock()
	w.ef = 0
	w.efMu.Unlock()

	log.WithFields(log.Fields{
		"class":   w.class,
		"objects": len(corpus),
	}).Info("weaviate class loaded")
	return nil
}

func batchError(resp []models.ObjectsGetResponse) error {
	var errs []error
	for _, obj := range resp {
		if obj.Result == nil || obj.Result.Errors == nil {
			continue
		}
		for _, item := range obj.Result.Errors.Error {
			errs = append(errs, errors.New(item.Message))
		}
	}
	return errors.Join(errs...)
}

// setEf updates the class wide ef if it differs from the last value set.
func (w *Weaviate) setEf(ctx context.Context, ef int) error {
	w.efMu.Lock()
	defer w.efMu.Unlock()
	if ef <= 0 || ef == w.ef {
		return nil
	}

	class, err := w.client.Schema().ClassGetter().WithClassName(w.class).Do(ctx)
	if err != nil {
		return fmt.Errorf("get class %v: %w", w.class, err)
	}
	indexConfig, ok := class.VectorIndexConfig.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected vector index config %T", class.VectorIndexConfig)
	}
	indexConfig["ef"] = ef
	class.VectorIndexConfig = indexConfig

	if err := w.client.Schema().ClassUpdater().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("update ef of %v: %w", w.class, err)
	}
	w.ef = ef
	return nil
}

func (w *Weaviate) Search(ctx context.Context, queries [][]float32, k, quality int) ([][]int64, error) {
	if err := w.setEf(ctx, quality); err != nil {
		return nil, err
	}

	out := make([][]int64, len(queries))
	for i, q := range queries {
		ids, err := w.searchOne(ctx, q, k)
		if err != nil {
			return nil, err
		}
		out[i] = ids
	}
	return out, nil
}

func (w *Weaviate) searchOne(ctx context.Context, q []float32, k int) ([]int64, error) {
	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(q)
	resp, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(graphql.Field{
			Name:   "_additional",
			Fields: []graphql.Field{{Name: "id"}},
		}).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, errors.New(resp.Errors[0].Message)
	}
	return parseGetIDs(resp.Data, w.class)
}

// parseGetIDs extracts the object ids of a GraphQL Get response:
// {"Get": {"<Class>": [{"_additional": {"id": "..."}}]}}
func parseGetIDs(data map[string]models.JSONObject, class string) ([]int64, error) {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil, errors.New("missing Get in response")
	}
	objects, ok := get[class].([]interface{})
	if !ok {
		return nil, fmt.Errorf("missing class %v in response", class)
	}

	ids := make([]int64, 0, len(objects))
	for _, obj := range objects {
		fields, _ := obj.(map[string]interface{})
		additional, _ := fields["_additional"].(map[string]interface{})
		s, _ := additional["id"].(string)
		id, err := intFromUUID(s)
		if err != nil {
			return nil, fmt.Errorf("invalid object id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (w *Weaviate) Close() error {
	return nil
}
