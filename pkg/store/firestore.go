package store

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreBackend addresses documents as Collection(path).Doc(id); path may name a nested
// collection such as "guilds/123/members".
type FirestoreBackend struct {
	client *firestore.Client
}

// NewFirestoreBackend connects with the service account key at credentialsPath, or with
// application default credentials when it is empty.
func NewFirestoreBackend(ctx context.Context, projectID string, credentialsPath string) (*FirestoreBackend, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, err
	}
	return &FirestoreBackend{client: client}, nil
}

func (f *FirestoreBackend) Get(ctx context.Context, path string, id string) (Record, error) {
	snap, err := f.client.Collection(path).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return Record{
		Path:       path,
		ID:         id,
		Fields:     snap.Data(),
		UpdateTime: snap.UpdateTime,
	}, nil
}

func (f *FirestoreBackend) Put(ctx context.Context, path string, id string, fields map[string]any) (time.Time, error) {
	res, err := f.client.Collection(path).Doc(id).Set(ctx, fields)
	if err != nil {
		return time.Time{}, err
	}
	return res.UpdateTime, nil
}

func (f *FirestoreBackend) Watch(ctx context.Context, path string, fn func(Change)) error {
	it := f.client.Collection(path).Snapshots(ctx)
	defer it.Stop()
	for {
		qs, err := it.Next()
		if err != nil {
			return err
		}
		for _, dc := range qs.Changes {
			rec := Record{
				Path:       path,
				ID:         dc.Doc.Ref.ID,
				UpdateTime: dc.Doc.UpdateTime,
			}
			var kind ChangeKind
			switch dc.Kind {
			case firestore.DocumentAdded:
				kind = ChangeAdded
				rec.Fields = dc.Doc.Data()
			case firestore.DocumentModified:
				kind = ChangeModified
				rec.Fields = dc.Doc.Data()
			case firestore.DocumentRemoved:
				kind = ChangeRemoved
			}
			fn(Change{Kind: kind, Record: rec})
		}
	}
}

func (f *FirestoreBackend) Close() error {
	return f.client.Close()
}
