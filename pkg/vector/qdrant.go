package vector

import (
	"context"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/RALaBarge/beigebox/pkg/config"
)

// QdrantProvider is the remote backend for deployments that outgrow the
// embedded store.
type QdrantProvider struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantProvider connects to a Qdrant instance over gRPC.
func NewQdrantProvider(cfg config.VectorConfig) (*QdrantProvider, error) {
	host := cfg.QdrantHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.QdrantPort
	if port == 0 {
		port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.QdrantKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client for %s:%d: %w", host, port, err)
	}

	return &QdrantProvider{client: client, collection: cfg.Collection}, nil
}

func (p *QdrantProvider) Name() string {
	return "qdrant"
}

func (p *QdrantProvider) Upsert(ctx context.Context, id string, vector []float32, document string, metadata map[string]string) error {
	exists, err := p.client.CollectionExists(ctx, p.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: p.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(len(vector)),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create collection: %w", err)
		}
	}

	payload := make(map[string]*qdrant.Value, len(metadata)+1)
	for key, value := range metadata {
		payload[key] = qdrant.NewValueString(value)
	}
	payload["document"] = qdrant.NewValueString(document)

	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(id),
		Vectors: qdrant.NewVectors(vector...),
		Payload: payload,
	}

	_, err = p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: p.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Query(ctx context.Context, vector []float32, topK int, where map[string]string) ([]Result, error) {
	req := &qdrant.SearchPoints{
		CollectionName: p.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(where) > 0 {
		req.Filter = buildFilter(where)
	}

	points, err := p.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	out := make([]Result, 0, len(points.Result))
	for _, point := range points.Result {
		var id string
		if point.Id != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		metadata := make(map[string]string, len(point.Payload))
		document := ""
		for key, value := range point.Payload {
			str := value.GetStringValue()
			if key == "document" {
				document = str
				continue
			}
			metadata[key] = str
		}

		out = append(out, Result{
			ID:       id,
			Score:    point.Score,
			Document: document,
			Metadata: metadata,
		})
	}
	return out, nil
}

func (p *QdrantProvider) Count(ctx context.Context) (int, error) {
	exists, err := p.client.CollectionExists(ctx, p.collection)
	if err != nil || !exists {
		return 0, err
	}
	count, err := p.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: p.collection,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int(count), nil
}

func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

func buildFilter(where map[string]string) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(where))
	for key, value := range where {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: value},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

var _ Provider = (*QdrantProvider)(nil)
