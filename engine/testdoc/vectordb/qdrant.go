package vectordb

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc"
)

const (
	qdrantDefaultTimeout = 10 * time.Second
	// qdrantScanFactor over-requests when part of the filter must be
	// narrowed client-side (folder prefix and external-key glob are not
	// expressible in the qdrant filter DSL).
	qdrantScanFactor = 2
)

type qdrantStore struct {
	client         *http.Client
	baseURL        string
	docCollection  string
	stepCollection string
	dimension      int
	apiKey         string
}

func newQdrantStore(ctx context.Context, cfg *Config) (Store, error) {
	base := strings.TrimRight(cfg.DSN, "/")
	if base == "" {
		return nil, core.NewErrorf(core.KindFatalConfig, "qdrant base url is required")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = qdrantDefaultTimeout
	}
	store := &qdrantStore{
		client:         &http.Client{Timeout: timeout},
		baseURL:        base,
		docCollection:  cfg.docTable(),
		stepCollection: cfg.stepTable(),
		dimension:      cfg.Dimension,
	}
	if key, ok := cfg.Auth["api_key"]; ok {
		store.apiKey = key
	}
	if err := store.ensureCollections(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (q *qdrantStore) ensureCollections(ctx context.Context) error {
	body := map[string]any{
		"vectors": map[string]any{"size": q.dimension, "distance": "Cosine"},
	}
	for _, collection := range []string{q.docCollection, q.stepCollection} {
		if err := q.doRequest(ctx, http.MethodPut, "/collections/"+collection, body, nil); err != nil {
			return err
		}
	}
	return nil
}

// pointID derives a deterministic UUID-shaped identifier, since qdrant does
// not accept arbitrary strings as point ids.
func pointID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	hexed := hex.EncodeToString(sum[:16])
	return fmt.Sprintf("%s-%s-%s-%s-%s", hexed[0:8], hexed[8:12], hexed[12:16], hexed[16:20], hexed[20:32])
}

func docPayload(doc *testdoc.TestDoc) map[string]any {
	return map[string]any{
		"uid":          doc.UID,
		"external_key": doc.ExternalKey,
		"title":        doc.Title,
		"summary":      doc.Summary,
		"description":  doc.Description,
		"priority":     string(doc.Priority),
		"test_type":    doc.TestType,
		"platforms":    emptySlice(doc.Platforms),
		"tags":         emptySlice(doc.Tags),
		"folder_path":  emptySlice(doc.FolderPath),
		"related_keys": emptySlice(doc.RelatedKeys),
		"source":       doc.Source,
		"ingested_at":  doc.IngestedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (q *qdrantStore) UpsertDocs(ctx context.Context, records []DocRecord) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]any, 0, len(records))
	for i := range records {
		rec := records[i]
		if rec.Doc == nil {
			return core.NewErrorf(core.KindInvalidInput, "doc record %q has no payload", rec.UID)
		}
		if err := validateDimension(q.dimension, rec.Vector, "doc "+rec.UID); err != nil {
			return err
		}
		payload := docPayload(rec.Doc)
		payload["steps"] = rec.Doc.Steps
		points = append(points, map[string]any{
			"id":      pointID("doc", rec.UID),
			"vector":  rec.Vector,
			"payload": payload,
		})
	}
	path := fmt.Sprintf("/collections/%s/points?wait=true", q.docCollection)
	return q.doRequest(ctx, http.MethodPut, path, map[string]any{"points": points}, nil)
}

func (q *qdrantStore) UpsertSteps(ctx context.Context, records []StepRecord) error {
	if len(records) == 0 {
		return nil
	}
	// Steps carry a denormalized copy of the parent's filterable fields so
	// the same filter pushes down on both tiers.
	parents := make(map[string]map[string]any)
	for i := range records {
		uid := records[i].ParentUID
		if _, ok := parents[uid]; ok {
			continue
		}
		payload, err := q.fetchDocPayload(ctx, uid)
		if err != nil {
			return err
		}
		parents[uid] = payload
	}
	points := make([]any, 0, len(records))
	for i := range records {
		rec := records[i]
		label := fmt.Sprintf("step %s#%d", rec.ParentUID, rec.Step.Index)
		if err := validateDimension(q.dimension, rec.Vector, label); err != nil {
			return err
		}
		parent := parents[rec.ParentUID]
		payload := map[string]any{
			"parent_uid":   rec.ParentUID,
			"step_index":   rec.Step.Index,
			"action":       rec.Step.Action,
			"data":         rec.Step.Data,
			"expected":     emptySlice(rec.Step.Expected),
			"priority":     parent["priority"],
			"test_type":    parent["test_type"],
			"platforms":    parent["platforms"],
			"tags":         parent["tags"],
			"folder_path":  parent["folder_path"],
			"related_keys": parent["related_keys"],
			"external_key": parent["external_key"],
		}
		points = append(points, map[string]any{
			"id":      pointID("step", rec.ParentUID, fmt.Sprint(rec.Step.Index)),
			"vector":  rec.Vector,
			"payload": payload,
		})
	}
	path := fmt.Sprintf("/collections/%s/points?wait=true", q.stepCollection)
	return q.doRequest(ctx, http.MethodPut, path, map[string]any{"points": points}, nil)
}

func (q *qdrantStore) DeleteDocByUID(ctx context.Context, uid string) (int, error) {
	existed := 1
	if _, err := q.fetchDocPayload(ctx, uid); err != nil {
		if core.IsKind(err, core.KindNotFound) {
			existed = 0
		} else {
			return 0, err
		}
	}
	body := map[string]any{"points": []string{pointID("doc", uid)}}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", q.docCollection)
	if err := q.doRequest(ctx, http.MethodPost, path, body, nil); err != nil {
		return 0, err
	}
	if _, err := q.DeleteStepsByParent(ctx, uid); err != nil {
		return 0, err
	}
	return existed, nil
}

func (q *qdrantStore) DeleteStepsByParent(ctx context.Context, uid string) (int, error) {
	filter := map[string]any{
		"must": []any{matchCondition("parent_uid", uid)},
	}
	// The delete API does not report how many points matched, so count the
	// parent's steps first. Writes to one parent are serialized by the
	// ingestion locks, so the pair does not race against itself.
	var counted struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	countPath := fmt.Sprintf("/collections/%s/points/count", q.stepCollection)
	countBody := map[string]any{"filter": filter, "exact": true}
	if err := q.doRequest(ctx, http.MethodPost, countPath, countBody, &counted); err != nil {
		return 0, err
	}
	if counted.Result.Count == 0 {
		return 0, nil
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", q.stepCollection)
	if err := q.doRequest(ctx, http.MethodPost, path, map[string]any{"filter": filter}, nil); err != nil {
		return 0, err
	}
	return int(counted.Result.Count), nil
}

type qdrantPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
	Vector  []float32      `json:"vector"`
}

func (q *qdrantStore) KnnDocs(ctx context.Context, vector []float32, k int, filter *Filter) ([]DocHit, error) {
	if err := validateDimension(q.dimension, vector, "query"); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	points, err := q.search(ctx, q.docCollection, vector, k, filter)
	if err != nil {
		return nil, err
	}
	hits := make([]DocHit, 0, len(points))
	for i := range points {
		doc := payloadToDoc(points[i].Payload)
		if !clientSideMatch(doc, filter) {
			continue
		}
		hits = append(hits, DocHit{UID: doc.UID, Score: clampScore(points[i].Score), Doc: doc})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

func (q *qdrantStore) KnnSteps(ctx context.Context, vector []float32, k int, filter *Filter) ([]StepHit, error) {
	if err := validateDimension(q.dimension, vector, "query"); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	points, err := q.search(ctx, q.stepCollection, vector, k, filter)
	if err != nil {
		return nil, err
	}
	hits := make([]StepHit, 0, len(points))
	for i := range points {
		payload := points[i].Payload
		doc := payloadToDoc(payload)
		if !clientSideMatch(doc, filter) {
			continue
		}
		hits = append(hits, StepHit{
			ParentUID: stringField(payload, "parent_uid"),
			Index:     intField(payload, "step_index"),
			Score:     clampScore(points[i].Score),
		})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

func (q *qdrantStore) search(
	ctx context.Context,
	collection string,
	vector []float32,
	k int,
	filter *Filter,
) ([]qdrantPoint, error) {
	limit := k
	if needsClientSideScan(filter) {
		limit = k * qdrantScanFactor
	}
	request := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if conditions := buildQdrantFilter(filter); conditions != nil {
		request["filter"] = conditions
	}
	var response struct {
		Result []qdrantPoint `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", collection)
	if err := q.doRequest(ctx, http.MethodPost, path, request, &response); err != nil {
		return nil, err
	}
	return response.Result, nil
}

func (q *qdrantStore) FetchDocByUID(ctx context.Context, uid string) (*testdoc.TestDoc, error) {
	payload, err := q.fetchDocPayload(ctx, uid)
	if err != nil {
		return nil, err
	}
	return payloadToDoc(payload), nil
}

func (q *qdrantStore) FetchDocVector(ctx context.Context, uid string) ([]float32, error) {
	point, err := q.fetchDocPoint(ctx, uid, true)
	if err != nil {
		return nil, err
	}
	return point.Vector, nil
}

func (q *qdrantStore) fetchDocPayload(ctx context.Context, uid string) (map[string]any, error) {
	point, err := q.fetchDocPoint(ctx, uid, false)
	if err != nil {
		return nil, err
	}
	return point.Payload, nil
}

func (q *qdrantStore) fetchDocPoint(ctx context.Context, uid string, withVector bool) (*qdrantPoint, error) {
	request := map[string]any{
		"ids":          []string{pointID("doc", uid)},
		"with_payload": true,
		"with_vector":  withVector,
	}
	var response struct {
		Result []qdrantPoint `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points", q.docCollection)
	if err := q.doRequest(ctx, http.MethodPost, path, request, &response); err != nil {
		return nil, err
	}
	if len(response.Result) == 0 {
		return nil, core.NewErrorf(core.KindNotFound, "doc %q not found", uid)
	}
	return &response.Result[0], nil
}

func (q *qdrantStore) FetchStepsByParent(ctx context.Context, uid string) ([]testdoc.TestStep, error) {
	payload, err := q.fetchDocPayload(ctx, uid)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	doc := payloadToDoc(payload)
	return doc.Steps, nil
}

func (q *qdrantStore) FetchDocsByExternalKey(ctx context.Context, key string, limit int) ([]*testdoc.TestDoc, error) {
	if limit <= 0 {
		limit = testdoc.MaxLookupMatches
	}
	request := map[string]any{
		"filter": map[string]any{
			"must": []any{matchCondition("external_key", key)},
		},
		"limit":        limit,
		"with_payload": true,
	}
	var response struct {
		Result struct {
			Points []qdrantPoint `json:"points"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/scroll", q.docCollection)
	if err := q.doRequest(ctx, http.MethodPost, path, request, &response); err != nil {
		return nil, err
	}
	docs := make([]*testdoc.TestDoc, 0, len(response.Result.Points))
	for i := range response.Result.Points {
		docs = append(docs, payloadToDoc(response.Result.Points[i].Payload))
	}
	return docs, nil
}

func (q *qdrantStore) Counts(ctx context.Context) (Counts, error) {
	counts := Counts{}
	docCount, err := q.countCollection(ctx, q.docCollection)
	if err != nil {
		return counts, err
	}
	stepCount, err := q.countCollection(ctx, q.stepCollection)
	if err != nil {
		return counts, err
	}
	counts.Docs = docCount
	counts.Steps = stepCount
	return counts, nil
}

func (q *qdrantStore) countCollection(ctx context.Context, collection string) (int64, error) {
	var response struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/count", collection)
	if err := q.doRequest(ctx, http.MethodPost, path, map[string]any{"exact": true}, &response); err != nil {
		return 0, err
	}
	return response.Result.Count, nil
}

func (q *qdrantStore) Ping(ctx context.Context) error {
	return q.doRequest(ctx, http.MethodGet, "/collections/"+q.docCollection, nil, nil)
}

func (q *qdrantStore) Close(context.Context) error { return nil }

func matchCondition(key string, value any) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"value": value}}
}

// buildQdrantFilter translates the pushdown-capable subset of the compiled
// filter. Folder prefix and the external-key glob are narrowed client-side.
func buildQdrantFilter(filter *Filter) map[string]any {
	if filter.IsZero() {
		return nil
	}
	must := make([]any, 0, 4)
	if filter.Priority != "" {
		must = append(must, matchCondition("priority", filter.Priority))
	}
	if filter.TestType != "" {
		must = append(must, matchCondition("test_type", filter.TestType))
	}
	for _, tag := range filter.TagsAll {
		must = append(must, matchCondition("tags", tag))
	}
	for _, platform := range filter.PlatformsAll {
		must = append(must, matchCondition("platforms", platform))
	}
	if len(filter.RelatedAny) > 0 {
		should := make([]any, 0, len(filter.RelatedAny))
		for _, key := range filter.RelatedAny {
			should = append(should, matchCondition("related_keys", key))
		}
		must = append(must, map[string]any{"should": should})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

func needsClientSideScan(filter *Filter) bool {
	if filter == nil {
		return false
	}
	return len(filter.FolderPrefix) > 0 || filter.ExternalKeyGlob != ""
}

// clientSideMatch applies only the conditions qdrant cannot push down.
func clientSideMatch(doc *testdoc.TestDoc, filter *Filter) bool {
	if filter.IsZero() {
		return true
	}
	if len(filter.FolderPrefix) > 0 && !hasPrefix(doc.FolderPath, filter.FolderPrefix) {
		return false
	}
	if filter.ExternalKeyGlob != "" && !MatchGlob(filter.ExternalKeyGlob, doc.ExternalKey) {
		return false
	}
	return true
}

func payloadToDoc(payload map[string]any) *testdoc.TestDoc {
	doc := &testdoc.TestDoc{
		UID:         stringField(payload, "uid"),
		ExternalKey: stringField(payload, "external_key"),
		Title:       stringField(payload, "title"),
		Summary:     stringField(payload, "summary"),
		Description: stringField(payload, "description"),
		Priority:    testdoc.Priority(stringField(payload, "priority")),
		TestType:    stringField(payload, "test_type"),
		Platforms:   stringSliceField(payload, "platforms"),
		Tags:        stringSliceField(payload, "tags"),
		FolderPath:  stringSliceField(payload, "folder_path"),
		RelatedKeys: stringSliceField(payload, "related_keys"),
		Source:      stringField(payload, "source"),
	}
	if raw := stringField(payload, "ingested_at"); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			doc.IngestedAt = ts
		}
	}
	if rawSteps, ok := payload["steps"]; ok {
		if encoded, err := json.Marshal(rawSteps); err == nil {
			var steps []testdoc.TestStep
			if err := json.Unmarshal(encoded, &steps); err == nil {
				doc.Steps = steps
			}
		}
	}
	return doc
}

func stringField(payload map[string]any, key string) string {
	if value, ok := payload[key].(string); ok {
		return value
	}
	return ""
}

func intField(payload map[string]any, key string) int {
	switch value := payload[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	default:
		return 0
	}
}

func stringSliceField(payload map[string]any, key string) []string {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil
	}
	values := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			values = append(values, s)
		}
	}
	return values
}

func (q *qdrantStore) doRequest(ctx context.Context, method, path string, body, out any) error {
	var buf *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return core.NewError(core.KindInternal, "qdrant: marshal request", err)
		}
		buf = bytes.NewReader(payload)
	} else {
		buf = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, buf)
	if err != nil {
		return core.NewError(core.KindInternal, "qdrant: build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return core.NewError(core.KindTransient, "qdrant: request failed", err)
	}
	defer resp.Body.Close()
	payload, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return core.NewError(core.KindTransient, "qdrant: read response", readErr)
	}
	if resp.StatusCode >= 400 {
		kind := core.KindInternal
		switch {
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			kind = core.KindFatalConfig
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			kind = core.KindTransient
		}
		var apiErr struct {
			Status struct {
				Error string `json:"error"`
			} `json:"status"`
		}
		if unmarshalErr := json.Unmarshal(payload, &apiErr); unmarshalErr == nil && apiErr.Status.Error != "" {
			return core.NewErrorf(kind, "qdrant: %s (%d)", apiErr.Status.Error, resp.StatusCode)
		}
		return core.NewErrorf(kind, "qdrant: request failed with status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return core.NewError(core.KindInternal, "qdrant: decode response", err)
		}
	}
	return nil
}
