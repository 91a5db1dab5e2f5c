package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"licensehub.org/internal/audit"
	"licensehub.org/internal/lease"
)

const (
	licensesCollection = "licenses"
	usageCollection    = "usage_logs"

	defaultServerSelectionTimeout = 5 * time.Second
)

// Store keeps licenses in a MongoDB collection using the document layout
// shared with the existing admin tooling.
type Store struct {
	client   *mongo.Client
	licenses *mongo.Collection
	usage    *mongo.Collection
}

var _ lease.Store = (*Store)(nil)

// Open connects to uri and verifies the deployment is reachable.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	opts := options.Client().ApplyURI(uri).SetServerSelectionTimeout(defaultServerSelectionTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s := New(client.Database(database))
	s.client = client
	return s, nil
}

// New uses an already connected database.
func New(db *mongo.Database) *Store {
	return &Store{
		client:   db.Client(),
		licenses: db.Collection(licensesCollection),
		usage:    db.Collection(usageCollection),
	}
}

func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// EnsureIndexes creates the unique license number index and the reservation lookup index.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.licenses.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "No", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "reserved_by", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("ensure license indexes: %w", err)
	}
	_, err = s.usage.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "license_id", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("ensure usage log indexes: %w", err)
	}
	return nil
}

// foreignStamp prefixes timestamps stored with a BSON type other than string or date.
const foreignStamp = "bson:"

// stamp reads lease timestamps stored either as strings or as BSON dates.
type stamp string

func (st *stamp) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	rv := bson.RawValue{Type: t, Value: data}
	switch t {
	case bson.TypeString:
		*st = stamp(rv.StringValue())
	case bson.TypeDateTime:
		*st = stamp(lease.At(rv.Time()))
	case bson.TypeNull, bson.TypeUndefined:
		*st = ""
	default:
		// Never parses, so the lease is treated as expired.
		*st = stamp(foreignStamp + t.String())
	}
	return nil
}

type licenseDoc struct {
	ID                   primitive.ObjectID `bson:"_id"`
	No                   string             `bson:"No"`
	Username             string             `bson:"username"`
	Password             string             `bson:"password"`
	Gmail                string             `bson:"gmail"`
	MailPassword         string             `bson:"mail_password"`
	IsAvailable          bool               `bson:"is_available"`
	CurrentUser          string             `bson:"current_user"`
	CurrentUserName      string             `bson:"current_user_name"`
	AssignedAt           stamp              `bson:"assigned_at"`
	ExpiresAt            stamp              `bson:"expires_at"`
	ReservedBy           string             `bson:"reserved_by"`
	ReservedByName       string             `bson:"reserved_by_name"`
	ReservedAt           stamp              `bson:"reserved_at"`
	ReservationExpiresAt stamp              `bson:"reservation_expires_at"`
	LastActivity         stamp              `bson:"last_activity"`
}

func (d licenseDoc) license() lease.License {
	return lease.License{
		ID: d.ID.Hex(),
		Credential: lease.Credential{
			No:           d.No,
			Username:     d.Username,
			Password:     d.Password,
			Gmail:        d.Gmail,
			MailPassword: d.MailPassword,
		},
		Lease: lease.Lease{
			IsAvailable:          d.IsAvailable,
			CurrentUser:          d.CurrentUser,
			CurrentUserName:      d.CurrentUserName,
			AssignedAt:           lease.Timestamp(d.AssignedAt),
			ExpiresAt:            lease.Timestamp(d.ExpiresAt),
			ReservedBy:           d.ReservedBy,
			ReservedByName:       d.ReservedByName,
			ReservedAt:           lease.Timestamp(d.ReservedAt),
			ReservationExpiresAt: lease.Timestamp(d.ReservationExpiresAt),
			LastActivity:         lease.Timestamp(d.LastActivity),
		},
	}
}

func (s *Store) Get(ctx context.Context, id string) (lease.License, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return lease.License{}, lease.ErrNotFound
	}
	var doc licenseDoc
	err = s.licenses.FindOne(ctx, bson.D{{Key: "_id", Value: oid}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return lease.License{}, lease.ErrNotFound
	}
	if err != nil {
		return lease.License{}, fmt.Errorf("get license: %w", err)
	}
	return doc.license(), nil
}

func (s *Store) List(ctx context.Context) ([]lease.License, error) {
	return s.find(ctx, bson.D{})
}

func (s *Store) Candidates(ctx context.Context) ([]lease.License, error) {
	held := bson.D{{Key: "$nin", Value: bson.A{nil, ""}}}
	return s.find(ctx, bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "is_available", Value: false}},
		bson.D{{Key: "current_user", Value: held}},
		bson.D{{Key: "reserved_by", Value: held}},
	}}})
}

func (s *Store) ReservedBy(ctx context.Context, userID string) ([]lease.License, error) {
	return s.find(ctx, bson.D{{Key: "reserved_by", Value: userID}})
}

// Swap updates the lease fields only while the document still matches expect.
func (s *Store) Swap(ctx context.Context, id string, expect lease.Version, next lease.Lease) (lease.License, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return lease.License{}, lease.ErrNotFound
	}
	filter := bson.D{
		{Key: "_id", Value: oid},
		guard("reserved_by", expect.ReservedBy),
		guardStamp("reserved_at", expect.ReservedAt),
		guard("current_user", expect.CurrentUser),
		guardStamp("expires_at", expect.ExpiresAt),
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc licenseDoc
	err = s.licenses.FindOneAndUpdate(ctx, filter, leaseUpdate(next), opts).Decode(&doc)
	if err == nil {
		return doc.license(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return lease.License{}, fmt.Errorf("swap license: %w", err)
	}
	n, err := s.licenses.CountDocuments(ctx, bson.D{{Key: "_id", Value: oid}})
	if err != nil {
		return lease.License{}, fmt.Errorf("swap license: %w", err)
	}
	if n == 0 {
		return lease.License{}, lease.ErrNotFound
	}
	return lease.License{}, lease.ErrStale
}

func (s *Store) Insert(ctx context.Context, lic lease.License) (lease.License, error) {
	oid := primitive.NewObjectID()
	if lic.ID != "" {
		parsed, err := primitive.ObjectIDFromHex(lic.ID)
		if err != nil {
			return lease.License{}, fmt.Errorf("%w: id must be an object id", lease.ErrInvalidLicense)
		}
		oid = parsed
	}
	c := lic.Credential
	doc := bson.D{
		{Key: "_id", Value: oid},
		{Key: "No", Value: c.No},
		{Key: "username", Value: c.Username},
		{Key: "password", Value: c.Password},
		{Key: "gmail", Value: c.Gmail},
		{Key: "mail_password", Value: c.MailPassword},
	}
	doc = append(doc, leaseFields(lic.Lease)...)
	if _, err := s.licenses.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return lease.License{}, lease.ErrDuplicate
		}
		return lease.License{}, fmt.Errorf("insert license: %w", err)
	}
	lic.ID = oid.Hex()
	return lic, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return lease.ErrNotFound
	}
	res, err := s.licenses.DeleteOne(ctx, bson.D{{Key: "_id", Value: oid}})
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	if res.DeletedCount == 0 {
		return lease.ErrNotFound
	}
	return nil
}

func (s *Store) find(ctx context.Context, filter bson.D) ([]lease.License, error) {
	opts := options.Find().SetSort(bson.D{{Key: "No", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.licenses.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find licenses: %w", err)
	}
	var docs []licenseDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode licenses: %w", err)
	}
	out := make([]lease.License, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.license())
	}
	return out, nil
}

// guard matches an absent or null field when want is empty.
func guard(field, want string) bson.E {
	if want == "" {
		return bson.E{Key: field, Value: bson.D{{Key: "$in", Value: bson.A{nil, ""}}}}
	}
	return bson.E{Key: field, Value: want}
}

// guardStamp also matches the BSON date form of the timestamp.
func guardStamp(field string, want lease.Timestamp) bson.E {
	if want.IsZero() {
		return guard(field, "")
	}
	if strings.HasPrefix(string(want), foreignStamp) {
		return bson.E{Key: field, Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$type", Value: bson.A{"string", "date", "null"}}}}}}
	}
	values := bson.A{string(want)}
	if t, err := want.Time(); err == nil {
		values = append(values, t)
	}
	return bson.E{Key: field, Value: bson.D{{Key: "$in", Value: values}}}
}

func leaseFields(l lease.Lease) bson.D {
	return bson.D{
		{Key: "is_available", Value: l.IsAvailable},
		{Key: "current_user", Value: nullable(l.CurrentUser)},
		{Key: "current_user_name", Value: nullable(l.CurrentUserName)},
		{Key: "assigned_at", Value: nullable(string(l.AssignedAt))},
		{Key: "expires_at", Value: nullable(string(l.ExpiresAt))},
		{Key: "reserved_by", Value: nullable(l.ReservedBy)},
		{Key: "reserved_by_name", Value: nullable(l.ReservedByName)},
		{Key: "reserved_at", Value: nullable(string(l.ReservedAt))},
		{Key: "reservation_expires_at", Value: nullable(string(l.ReservationExpiresAt))},
		{Key: "last_activity", Value: nullable(string(l.LastActivity))},
	}
}

// leaseUpdate writes cleared fields as null, matching how records are created.
func leaseUpdate(l lease.Lease) bson.D {
	return bson.D{{Key: "$set", Value: leaseFields(l)}}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// UsageLog writes usage events to the usage_logs collection.
type UsageLog struct {
	coll *mongo.Collection
}

var _ audit.Recorder = (*UsageLog)(nil)

func (s *Store) UsageLog() *UsageLog { return &UsageLog{coll: s.usage} }

func (u *UsageLog) Record(ctx context.Context, e audit.Event) error {
	doc := bson.D{
		{Key: "user_id", Value: e.UserID},
		{Key: "user_name", Value: e.UserName},
		{Key: "license_id", Value: e.LicenseID},
		{Key: "license_no", Value: e.LicenseNo},
		{Key: "action", Value: e.Action},
		{Key: "timestamp", Value: string(lease.At(e.Timestamp))},
		{Key: "duration_seconds", Value: e.DurationSeconds},
		{Key: "ip_address", Value: nullable(e.IPAddress)},
		{Key: "user_agent", Value: nullable(e.UserAgent)},
	}
	if e.RequestID != "" {
		doc = append(doc, bson.E{Key: "request_id", Value: e.RequestID})
	}
	if _, err := u.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}
