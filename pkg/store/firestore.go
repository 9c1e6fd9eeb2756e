package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/zeromicro/go-zero/core/logx"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds connection settings for the Firestore adapter.
type FirestoreConfig struct {
	// CredentialsFile is the service account key path. When empty the client
	// falls back to application default credentials.
	CredentialsFile string
	ProjectID       string
	// DatabaseURL is the legacy https://<project>.firebaseio.com endpoint;
	// used only to derive the project id when ProjectID is unset.
	DatabaseURL string
}

// Firestore implements Store over a Firestore client.
type Firestore struct {
	client *firestore.Client
}

var terminalStates = []string{string(StateSent), string(StateSkipped)}

// NewFirestore connects to Firestore.
func NewFirestore(ctx context.Context, cfg FirestoreConfig) (*Firestore, error) {
	project := cfg.ProjectID
	if project == "" {
		project = projectFromDatabaseURL(cfg.DatabaseURL)
	}
	if project == "" {
		project = firestore.DetectProjectID
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &Firestore{client: client}, nil
}

// Close releases the underlying client.
func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) mail() *firestore.CollectionRef {
	return f.client.Collection(Collection)
}

// ListCandidates runs the candidate query. The not-in predicate needs a
// composite index; when the store rejects it the cutoff-only query is retried
// and the caller filters terminal states in code. That fallback is the normal
// path under degraded indexing, not an error.
func (f *Firestore) ListCandidates(ctx context.Context, cutoff *time.Time) ([]Mail, bool, error) {
	base := f.mail().Query
	if cutoff != nil {
		base = base.Where("createdAt", ">=", *cutoff)
	}

	primary := base.Where("smtpAgent.state", "not-in", terminalStates)
	docs, err := f.collect(ctx, primary)
	if err == nil {
		return docs, true, nil
	}
	logx.Infow("candidate query fell back to cutoff-only, filtering finished docs in code",
		logx.Field("error", err.Error()))

	docs, err = f.collect(ctx, base)
	if err != nil {
		return nil, false, fmt.Errorf("fallback candidate query: %w", err)
	}
	return docs, false, nil
}

func (f *Firestore) GetMail(ctx context.Context, id string) (*Mail, error) {
	snap, err := f.mail().Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mail %s: %w", id, err)
	}
	m := ParseMail(snap.Ref.ID, snap.Data())
	return &m, nil
}

func (f *Firestore) MergeMail(ctx context.Context, id string, fields Fields) error {
	_, err := f.mail().Doc(id).Set(ctx, translate(fields), firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("merge mail %s: %w", id, err)
	}
	return nil
}

func (f *Firestore) ListByState(ctx context.Context, state State, limit int) ([]Mail, error) {
	q := f.mail().Query
	if state != "" {
		q = q.Where("smtpAgent.state", "==", string(state))
	}
	q = q.OrderBy("smtpAgent.lastUpdatedAt", firestore.Desc).Limit(limit)
	return f.collect(ctx, q)
}

func (f *Firestore) ProcessedSince(ctx context.Context, since time.Time) ([]Mail, error) {
	return f.collect(ctx, f.mail().Where("smtpAgent.lastUpdatedAt", ">=", since))
}

func (f *Firestore) AdminConfig(ctx context.Context) (map[string]any, error) {
	snap, err := f.client.Doc(AdminConfigDoc).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get admin config: %w", err)
	}
	return snap.Data(), nil
}

func (f *Firestore) SetAdminConfig(ctx context.Context, fields Fields) error {
	_, err := f.client.Doc(AdminConfigDoc).Set(ctx, translate(fields), firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("set admin config: %w", err)
	}
	return nil
}

func (f *Firestore) StatusResetAt(ctx context.Context) (*time.Time, error) {
	snap, err := f.client.Doc(StatusDoc).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get status doc: %w", err)
	}
	return asTime(snap.Data()["statusResetAt"]), nil
}

func (f *Firestore) SetStatusResetAt(ctx context.Context, at time.Time) error {
	_, err := f.client.Doc(StatusDoc).Set(ctx, map[string]any{
		"statusResetAt": at.UTC(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("set status reset: %w", err)
	}
	return nil
}

// Ping reads a throwaway document; existence does not matter, reachability does.
func (f *Firestore) Ping(ctx context.Context) error {
	_, err := f.client.Collection("_smtpAgentTests").Doc("_health").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

func (f *Firestore) collect(ctx context.Context, q firestore.Query) ([]Mail, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []Mail
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ParseMail(snap.Ref.ID, snap.Data()))
	}
}

// translate maps the package's write sentinels onto the Firestore ones.
func translate(v any) any {
	switch t := v.(type) {
	case Fields:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = translate(e)
		}
		return out
	case serverNow:
		return firestore.ServerTimestamp
	case Inc:
		return firestore.Increment(int64(t))
	case nullValue:
		return nil
	default:
		return v
	}
}

func projectFromDatabaseURL(url string) string {
	rest, ok := strings.CutPrefix(url, "https://")
	if !ok {
		return ""
	}
	host, _, _ := strings.Cut(rest, "/")
	name, ok := strings.CutSuffix(host, ".firebaseio.com")
	if !ok {
		return ""
	}
	return name
}
