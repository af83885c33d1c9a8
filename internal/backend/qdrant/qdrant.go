// Package qdrant talks to a Qdrant server over its gRPC API.
package qdrant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"annbench/internal/backend"
	"annbench/internal/recall"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/retry"
	qpb "github.com/qdrant/go-client/qdrant"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	DefaultAddress = "localhost:6334"

	// unary calls failing with Unavailable or ResourceExhausted are retried
	callRetries = 3
)

func init() {
	backend.Register("qdrant", New)
}

type Qdrant struct {
	cfg         backend.Config
	conn        *grpc.ClientConn
	points      qpb.PointsClient
	collections qpb.CollectionsClient
}

func New(ctx context.Context, cfg backend.Config) (backend.Searcher, error) {
	addr := cfg.Address
	if addr == "" {
		addr = DefaultAddress
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(retry.UnaryClientInterceptor(
			retry.WithMax(callRetries),
			retry.WithBackoff(retry.BackoffExponential(100*time.Millisecond)),
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect qdrant %v: %w", addr, err)
	}

	health := qpb.NewQdrantClient(conn)
	err = backend.WaitReady(ctx, "qdrant", cfg.ConnectRetries, func(ctx context.Context) error {
		_, err := health.HealthCheck(ctx, &qpb.HealthCheckRequest{})
		return err
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Qdrant{
		cfg:         cfg,
		conn:        conn,
		points:      qpb.NewPointsClient(conn),
		collections: qpb.NewCollectionsClient(conn),
	}, nil
}

func distanceOf(m recall.Metric) qpb.Distance {
	switch m {
	case recall.InnerProduct:
		return qpb.Distance_Dot
	case recall.L2:
		return qpb.Distance_Euclid
	default:
		return qpb.Distance_Cosine
	}
}

func (q *Qdrant) Load(ctx context.Context, corpus [][]float32) error {
	if len(corpus) == 0 {
		return errors.New("empty corpus")
	}
	dim := len(corpus[0])

	if _, err := q.collections.Delete(ctx, &qpb.DeleteCollection{CollectionName: q.cfg.Collection}); err != nil {
		log.WithError(err).Debug("delete collection")
	}

	m := uint64(q.cfg.M)
	efConstruct := uint64(q.cfg.EFConstruction)
	_, err := q.collections.Create(ctx, &qpb.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: &qpb.VectorsConfig{
			Config: &qpb.VectorsConfig_Params{
				Params: &qpb.VectorParams{Size: uint64(dim), Distance: distanceOf(q.cfg.Metric)},
			},
		},
		HnswConfig: &qpb.HnswConfigDiff{M: &m, EfConstruct: &efConstruct},
	})
	if err != nil {
		return fmt.Errorf("create collection %v: %w", q.cfg.Collection, err)
	}

	wait := true
	for _, b := range backend.Batches(len(corpus), q.cfg.InsertBatch) {
		buf := make([]*qpb.PointStruct, 0, b[1]-b[0])
		for i := b[0]; i < b[1]; i++ {
			buf = append(buf, &qpb.PointStruct{
				Id: &qpb.PointId{PointIdOptions: &qpb.PointId_Num{Num: uint64(i)}},
				Vectors: &qpb.Vectors{
					VectorsOptions: &qpb.Vectors_Vector{
						Vector: &qpb.Vector{Data: corpus[i]},
					},
				},
			})
		}
		_, err := q.points.Upsert(ctx, &qpb.UpsertPoints{
			CollectionName: q.cfg.Collection,
			Wait:           &wait,
			Points:         buf,
		})
		if err != nil {
			return fmt.Errorf("upsert points [%d,%d): %w", b[0], b[1], err)
		}
	}

	log.WithFields(log.Fields{
		"collection": q.cfg.Collection,
		"points":     len(corpus),
	}).Info("qdrant collection loaded")
	return nil
}

func (q *Qdrant) request(vec []float32, k, quality int) *qpb.SearchPoints {
	req := &qpb.SearchPoints{
		CollectionName: q.cfg.Collection,
		Vector:         vec,
		Limit:          uint64(k),
	}
	if quality > 0 {
		ef := uint64(quality)
		req.Params = &qpb.SearchParams{HnswEf: &ef}
	}
	return req
}

func (q *Qdrant) Search(ctx context.Context, queries [][]float32, k, quality int) ([][]int64, error) {
	if len(queries) == 1 {
		resp, err := q.points.Search(ctx, q.request(queries[0], k, quality))
		if err != nil {
			return nil, err
		}
		return [][]int64{idsOf(resp.GetResult())}, nil
	}

	batch := &qpb.SearchBatchPoints{
		CollectionName: q.cfg.Collection,
		SearchPoints:   make([]*qpb.SearchPoints, len(queries)),
	}
	for i, vec := range queries {
		batch.SearchPoints[i] = q.request(vec, k, quality)
	}
	resp, err := q.points.SearchBatch(ctx, batch)
	if err != nil {
		return nil, err
	}

	out := make([][]int64, len(queries))
	for i, res := range resp.GetResult() {
		if i < len(out) {
			out[i] = idsOf(res.GetResult())
		}
	}
	return out, nil
}

func idsOf(points []*qpb.ScoredPoint) []int64 {
	ids := make([]int64, 0, len(points))
	for _, p := range points {
		ids = append(ids, int64(p.GetId().GetNum()))
	}
	return ids
}

func (q *Qdrant) Close() error {
	return q.conn.Close()
}
