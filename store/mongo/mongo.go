/*
Package mongo provides a MongoDB-backed engine.Backend.

PURPOSE:
  The document-store rendition of the two record collections. Fields are
  sparse: optional attributes are omitted rather than stored as null, and
  the attendance flag is read back as a boolean whether it was written as
  a bool, a number or a string.

COLLECTIONS:
  attendance_events, performance_records, members, programs, audit_runs

UNIQUE INDEXES (see EnsureIndexes):
  idx_attendance_key               {date, sub_program, member_id}
  idx_performance_individual_key   {date, sub_program, member_id}, partial kind=individual
  idx_performance_bulk_fingerprint {fingerprint}, partial kind=bulk

TRANSACTIONS:
  On a replica set WithTx runs fn in a session transaction; the driver
  retries fn on transient conflicts. A standalone server has no
  transactions: WithTx then serializes callers in-process and relies on
  the unique indexes so a racing writer still gets ErrDuplicateKey, but a
  failing fn is NOT rolled back.
*/
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/warp/attendance-ledger/engine"
)

const (
	collAttendance  = "attendance_events"
	collPerformance = "performance_records"
	collMembers     = "members"
	collPrograms    = "programs"
	collAudits      = "audit_runs"
)

// Store implements engine.Backend on a MongoDB database.
type Store struct {
	client      *mongo.Client
	db          *mongo.Database
	ownsClient  bool
	replicaSet  bool
	attendance  *mongo.Collection
	performance *mongo.Collection
	members     *mongo.Collection
	programs    *mongo.Collection
	audits      *mongo.Collection

	txMu sync.Mutex
	log  logrus.FieldLogger
}

var _ engine.Backend = (*Store)(nil)

// Open connects to uri, detects replica-set support and ensures indexes.
func Open(ctx context.Context, uri, database string, log logrus.FieldLogger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := New(client, database, IsReplicaSet(ctx, client), log)
	s.ownsClient = true
	if err := s.EnsureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// New wraps an existing client. Indexes are not created; call EnsureIndexes.
func New(client *mongo.Client, database string, replicaSet bool, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db := client.Database(database)
	s := &Store{
		client:      client,
		db:          db,
		replicaSet:  replicaSet,
		attendance:  db.Collection(collAttendance),
		performance: db.Collection(collPerformance),
		members:     db.Collection(collMembers),
		programs:    db.Collection(collPrograms),
		audits:      db.Collection(collAudits),
		log:         log,
	}
	if !replicaSet {
		log.Warn("MongoDB is not a replica set: WithTx runs without rollback")
	}
	return s
}

// IsReplicaSet reports whether the server supports multi-document transactions.
func IsReplicaSet(ctx context.Context, client *mongo.Client) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result bson.M
	if err := client.Database("admin").RunCommand(ctx, bson.M{"hello": 1}).Decode(&result); err != nil {
		return false
	}
	_, ok := result["setName"]
	return ok
}

// Database returns the underlying database handle.
func (s *Store) Database() *mongo.Database { return s.db }

func (s *Store) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

// EnsureIndexes creates the unique indexes the engine relies on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	key := bson.D{
		{Key: "date", Value: 1},
		{Key: "sub_program", Value: 1},
		{Key: "member_id", Value: 1},
	}

	if _, err := s.attendance.Indexes().CreateMany(ctx, []mongo.IndexModel{
		// DEDUP: one attendance event per key
		{Keys: key, Options: options.Index().SetName("idx_attendance_key").SetUnique(true)},
	}); err != nil {
		return fmt.Errorf("failed to create attendance indexes: %w", err)
	}

	if _, err := s.performance.Indexes().CreateMany(ctx, []mongo.IndexModel{
		// MIRROR: one individual record per key
		{
			Keys: key,
			Options: options.Index().SetName("idx_performance_individual_key").SetUnique(true).
				SetPartialFilterExpression(bson.M{"kind": string(engine.KindIndividual)}),
		},
		// BULK DEDUP: full-row equality
		{
			Keys: bson.D{{Key: "fingerprint", Value: 1}},
			Options: options.Index().SetName("idx_performance_bulk_fingerprint").SetUnique(true).
				SetPartialFilterExpression(bson.M{"kind": string(engine.KindBulk)}),
		},
		// QUERIES: date + sub-program + kind
		{
			Keys:    bson.D{{Key: "date", Value: 1}, {Key: "sub_program", Value: 1}, {Key: "kind", Value: 1}},
			Options: options.Index().SetName("idx_performance_date_sub_kind"),
		},
	}); err != nil {
		return fmt.Errorf("failed to create performance indexes: %w", err)
	}

	if _, err := s.members.Indexes().CreateOne(ctx, mongo.IndexModel{
		// RESOLUTION: members by sub-program
		Keys:    bson.D{{Key: "sub_programs", Value: 1}},
		Options: options.Index().SetName("idx_members_sub_programs"),
	}); err != nil {
		return fmt.Errorf("failed to create member indexes: %w", err)
	}

	if _, err := s.audits.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "started_at", Value: -1}},
		Options: options.Index().SetName("idx_audit_runs_started"),
	}); err != nil {
		return fmt.Errorf("failed to create audit indexes: %w", err)
	}
	return nil
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// flag decodes the attendance flag from bool, number or string.
type flag bool

func (f *flag) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	rv := bson.RawValue{Type: t, Value: data}
	switch t {
	case bson.TypeBoolean:
		*f = flag(rv.Boolean())
	case bson.TypeString:
		*f = flag(engine.ParseFlag(rv.StringValue()))
	case bson.TypeInt32:
		*f = rv.Int32() != 0
	case bson.TypeInt64:
		*f = rv.Int64() != 0
	case bson.TypeDouble:
		*f = rv.Double() != 0
	default:
		*f = false
	}
	return nil
}

type attendanceDoc struct {
	ID           string    `bson:"_id"`
	Date         string    `bson:"date"`
	SubProgram   string    `bson:"sub_program"`
	Function     string    `bson:"function,omitempty"`
	Team         string    `bson:"team,omitempty"`
	Unit         string    `bson:"unit,omitempty"`
	MemberID     string    `bson:"member_id"`
	MemberName   string    `bson:"member_name,omitempty"`
	Gender       string    `bson:"gender,omitempty"`
	BirthDate    string    `bson:"birth_date,omitempty"`
	Phone        string    `bson:"phone,omitempty"`
	Attended     flag      `bson:"attended"`
	Note         string    `bson:"note,omitempty"`
	Fee          string    `bson:"fee,omitempty"`
	SessionCount int       `bson:"session_count"`
	CaseCount    int       `bson:"case_count"`
	CreatedAt    time.Time `bson:"created_at"`
}

func toAttendanceDoc(r engine.AttendanceRecord) attendanceDoc {
	return attendanceDoc{
		ID: string(r.ID), Date: string(r.Date), SubProgram: r.SubProgram,
		Function: r.Function, Team: r.Team, Unit: r.Unit,
		MemberID: string(r.MemberID), MemberName: r.MemberName, Gender: r.Gender,
		BirthDate: string(r.BirthDate), Phone: r.Phone,
		Attended: flag(r.Attended), Note: r.Note, Fee: string(r.Fee),
		SessionCount: r.SessionCount, CaseCount: r.CaseCount, CreatedAt: r.CreatedAt.UTC(),
	}
}

func (d attendanceDoc) record() engine.AttendanceRecord {
	return engine.AttendanceRecord{
		ID: engine.RecordID(d.ID), Date: engine.CalendarDate(d.Date), SubProgram: d.SubProgram,
		Classification: engine.Classification{Function: d.Function, Team: d.Team, Unit: d.Unit},
		MemberID:       engine.MemberID(d.MemberID), MemberName: d.MemberName, Gender: d.Gender,
		BirthDate: engine.CalendarDate(d.BirthDate), Phone: d.Phone,
		Attended: bool(d.Attended), Note: d.Note, Fee: engine.FeeCategory(d.Fee),
		SessionCount: d.SessionCount, CaseCount: d.CaseCount, CreatedAt: d.CreatedAt,
	}
}

type performanceDoc struct {
	ID              string    `bson:"_id"`
	Kind            string    `bson:"kind"`
	Date            string    `bson:"date"`
	SubProgram      string    `bson:"sub_program"`
	Function        string    `bson:"function,omitempty"`
	Team            string    `bson:"team,omitempty"`
	Unit            string    `bson:"unit,omitempty"`
	MemberID        string    `bson:"member_id,omitempty"`
	MemberName      string    `bson:"member_name,omitempty"`
	Gender          string    `bson:"gender,omitempty"`
	Fee             string    `bson:"fee,omitempty"`
	Attended        flag      `bson:"attended"`
	Note            string    `bson:"note,omitempty"`
	SessionCount    int       `bson:"session_count"`
	CaseCount       int       `bson:"case_count"`
	RegisteredCount int       `bson:"registered_count"`
	ActualCount     int       `bson:"actual_count"`
	VisitCount      int       `bson:"visit_count"`
	Remark          string    `bson:"remark,omitempty"`
	Fingerprint     string    `bson:"fingerprint,omitempty"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

func toPerformanceDoc(r engine.PerformanceRecord) performanceDoc {
	return performanceDoc{
		ID: string(r.ID), Kind: string(r.Kind), Date: string(r.Date), SubProgram: r.SubProgram,
		Function: r.Function, Team: r.Team, Unit: r.Unit,
		MemberID: string(r.MemberID), MemberName: r.MemberName, Gender: r.Gender,
		Fee: string(r.Fee), Attended: flag(r.Attended), Note: r.Note,
		SessionCount: r.SessionCount, CaseCount: r.CaseCount,
		RegisteredCount: r.RegisteredCount, ActualCount: r.ActualCount, VisitCount: r.VisitCount,
		Remark: r.Remark, Fingerprint: r.Fingerprint,
		CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func (d performanceDoc) record() engine.PerformanceRecord {
	return engine.PerformanceRecord{
		ID: engine.RecordID(d.ID), Kind: engine.RecordKind(d.Kind),
		Date: engine.CalendarDate(d.Date), SubProgram: d.SubProgram,
		Classification: engine.Classification{Function: d.Function, Team: d.Team, Unit: d.Unit},
		MemberID:       engine.MemberID(d.MemberID), MemberName: d.MemberName, Gender: d.Gender,
		Fee: engine.FeeCategory(d.Fee), Attended: bool(d.Attended), Note: d.Note,
		SessionCount: d.SessionCount, CaseCount: d.CaseCount,
		RegisteredCount: d.RegisteredCount, ActualCount: d.ActualCount, VisitCount: d.VisitCount,
		Remark: d.Remark, Fingerprint: d.Fingerprint,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

type memberDoc struct {
	ID          string   `bson:"_id"`
	Name        string   `bson:"name"`
	Gender      string   `bson:"gender,omitempty"`
	BirthDate   string   `bson:"birth_date,omitempty"`
	Phone       string   `bson:"phone,omitempty"`
	Fee         string   `bson:"fee,omitempty"`
	Status      string   `bson:"status,omitempty"`
	SubPrograms []string `bson:"sub_programs"`
}

type programDoc struct {
	Name     string `bson:"_id"`
	Function string `bson:"function,omitempty"`
	Team     string `bson:"team,omitempty"`
	Unit     string `bson:"unit,omitempty"`
}

type auditDoc struct {
	ID                string     `bson:"_id"`
	Status            string     `bson:"status"`
	Repair            bool       `bson:"repair"`
	OrphanAttendance  int        `bson:"orphan_attendance"`
	MissingAttendance int        `bson:"missing_attendance"`
	Repaired          int        `bson:"repaired"`
	Error             string     `bson:"error,omitempty"`
	StartedAt         time.Time  `bson:"started_at"`
	CompletedAt       *time.Time `bson:"completed_at,omitempty"`
}

// =============================================================================
// RECORD STORE (engine.Store interface)
// =============================================================================

func (s *Store) InsertAttendance(ctx context.Context, rec engine.AttendanceRecord) error {
	if _, err := s.attendance.InsertOne(ctx, toAttendanceDoc(rec)); err != nil {
		return mapWriteError("insert attendance", err)
	}
	return nil
}

func (s *Store) QueryAttendance(ctx context.Context, f engine.Filter) ([]engine.AttendanceRecord, error) {
	f.Kind = ""
	cursor, err := s.attendance.Find(ctx, filterDoc(f), sortedByDate())
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance: %w", err)
	}
	var docs []attendanceDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode attendance: %w", err)
	}
	out := make([]engine.AttendanceRecord, len(docs))
	for i, d := range docs {
		out[i] = d.record()
	}
	return out, nil
}

func (s *Store) UpdateAttendance(ctx context.Context, rec engine.AttendanceRecord) error {
	res, err := s.attendance.ReplaceOne(ctx, bson.M{"_id": string(rec.ID)}, toAttendanceDoc(rec))
	if err != nil {
		return mapWriteError("update attendance", err)
	}
	if res.MatchedCount == 0 {
		return engine.ErrRecordNotFound
	}
	return nil
}

func (s *Store) DeleteAttendanceByKey(ctx context.Context, key engine.Key) (int, error) {
	res, err := s.attendance.DeleteMany(ctx, keyDoc(key))
	if err != nil {
		return 0, fmt.Errorf("failed to delete attendance: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) InsertPerformance(ctx context.Context, rec engine.PerformanceRecord) error {
	if _, err := s.performance.InsertOne(ctx, toPerformanceDoc(rec)); err != nil {
		return mapWriteError("insert performance record", err)
	}
	return nil
}

func (s *Store) GetPerformance(ctx context.Context, id engine.RecordID) (engine.PerformanceRecord, error) {
	return s.findOnePerformance(ctx, bson.M{"_id": string(id)})
}

func (s *Store) FindIndividual(ctx context.Context, key engine.Key) (engine.PerformanceRecord, error) {
	filter := keyDoc(key)
	filter["kind"] = string(engine.KindIndividual)
	return s.findOnePerformance(ctx, filter)
}

func (s *Store) findOnePerformance(ctx context.Context, filter bson.M) (engine.PerformanceRecord, error) {
	var doc performanceDoc
	err := s.performance.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return engine.PerformanceRecord{}, engine.ErrRecordNotFound
	}
	if err != nil {
		return engine.PerformanceRecord{}, fmt.Errorf("failed to find performance record: %w", err)
	}
	return doc.record(), nil
}

func (s *Store) QueryPerformance(ctx context.Context, f engine.Filter) ([]engine.PerformanceRecord, error) {
	cursor, err := s.performance.Find(ctx, filterDoc(f), sortedByDate())
	if err != nil {
		return nil, fmt.Errorf("failed to query performance records: %w", err)
	}
	var docs []performanceDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode performance records: %w", err)
	}
	out := make([]engine.PerformanceRecord, len(docs))
	for i, d := range docs {
		out[i] = d.record()
	}
	return out, nil
}

func (s *Store) UpdatePerformance(ctx context.Context, rec engine.PerformanceRecord) error {
	res, err := s.performance.ReplaceOne(ctx, bson.M{"_id": string(rec.ID)}, toPerformanceDoc(rec))
	if err != nil {
		return mapWriteError("update performance record", err)
	}
	if res.MatchedCount == 0 {
		return engine.ErrRecordNotFound
	}
	return nil
}

func (s *Store) DeletePerformance(ctx context.Context, id engine.RecordID) error {
	res, err := s.performance.DeleteOne(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return fmt.Errorf("failed to delete performance record: %w", err)
	}
	if res.DeletedCount == 0 {
		return engine.ErrRecordNotFound
	}
	return nil
}

func keyDoc(k engine.Key) bson.M {
	return bson.M{"date": string(k.Date), "sub_program": k.SubProgram, "member_id": string(k.MemberID)}
}

func filterDoc(f engine.Filter) bson.M {
	doc := bson.M{}
	if f.Date != "" {
		doc["date"] = string(f.Date)
	} else if f.From != "" || f.To != "" {
		rng := bson.M{}
		if f.From != "" {
			rng["$gte"] = string(f.From)
		}
		if f.To != "" {
			rng["$lte"] = string(f.To)
		}
		doc["date"] = rng
	}
	set := func(field, v string) {
		if v != "" {
			doc[field] = v
		}
	}
	set("sub_program", f.SubProgram)
	set("function", f.Function)
	set("team", f.Team)
	set("unit", f.Unit)
	set("member_id", string(f.MemberID))
	set("kind", string(f.Kind))
	return doc
}

func sortedByDate() *options.FindOptions {
	return options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
}

func mapWriteError(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return engine.ErrDuplicateKey
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes fn within a session transaction when the server supports
// it, and without rollback otherwise. Both paths hold txMu: the name-only
// duplicate tiers have no unique index behind them, so concurrent writers in
// this process must not interleave their check and insert.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if !s.replicaSet {
		return fn(s)
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(&txStore{parent: s, session: session})
	})
	return err
}

// txStore binds every call to the session so reads see the open
// transaction's writes.
type txStore struct {
	parent  *Store
	session mongo.Session
}

func (ts *txStore) ctx(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, ts.session)
}

func (ts *txStore) InsertAttendance(ctx context.Context, rec engine.AttendanceRecord) error {
	return ts.parent.InsertAttendance(ts.ctx(ctx), rec)
}

func (ts *txStore) QueryAttendance(ctx context.Context, f engine.Filter) ([]engine.AttendanceRecord, error) {
	return ts.parent.QueryAttendance(ts.ctx(ctx), f)
}

func (ts *txStore) UpdateAttendance(ctx context.Context, rec engine.AttendanceRecord) error {
	return ts.parent.UpdateAttendance(ts.ctx(ctx), rec)
}

func (ts *txStore) DeleteAttendanceByKey(ctx context.Context, key engine.Key) (int, error) {
	return ts.parent.DeleteAttendanceByKey(ts.ctx(ctx), key)
}

func (ts *txStore) InsertPerformance(ctx context.Context, rec engine.PerformanceRecord) error {
	return ts.parent.InsertPerformance(ts.ctx(ctx), rec)
}

func (ts *txStore) GetPerformance(ctx context.Context, id engine.RecordID) (engine.PerformanceRecord, error) {
	return ts.parent.GetPerformance(ts.ctx(ctx), id)
}

func (ts *txStore) FindIndividual(ctx context.Context, key engine.Key) (engine.PerformanceRecord, error) {
	return ts.parent.FindIndividual(ts.ctx(ctx), key)
}

func (ts *txStore) QueryPerformance(ctx context.Context, f engine.Filter) ([]engine.PerformanceRecord, error) {
	return ts.parent.QueryPerformance(ts.ctx(ctx), f)
}

func (ts *txStore) UpdatePerformance(ctx context.Context, rec engine.PerformanceRecord) error {
	return ts.parent.UpdatePerformance(ts.ctx(ctx), rec)
}

func (ts *txStore) DeletePerformance(ctx context.Context, id engine.RecordID) error {
	return ts.parent.DeletePerformance(ts.ctx(ctx), id)
}

// =============================================================================
// ROSTER & CATALOG
// =============================================================================

func (s *Store) SaveMember(ctx context.Context, m engine.Member) error {
	subs := m.SubPrograms
	if subs == nil {
		subs = []string{}
	}
	doc := memberDoc{
		ID: string(m.ID), Name: m.Name, Gender: m.Gender, BirthDate: string(m.BirthDate),
		Phone: m.Phone, Fee: string(m.Fee), Status: string(m.Status), SubPrograms: subs,
	}
	_, err := s.members.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) MembersInSubProgram(ctx context.Context, subProgram string) ([]engine.Member, error) {
	cursor, err := s.members.Find(ctx, bson.M{"sub_programs": subProgram},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	var docs []memberDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode members: %w", err)
	}
	out := make([]engine.Member, len(docs))
	for i, d := range docs {
		out[i] = d.member()
	}
	return out, nil
}

func (s *Store) Member(ctx context.Context, id engine.MemberID) (engine.Member, error) {
	var doc memberDoc
	err := s.members.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return engine.Member{}, engine.ErrRecordNotFound
	}
	if err != nil {
		return engine.Member{}, err
	}
	return doc.member(), nil
}

func (d memberDoc) member() engine.Member {
	return engine.Member{
		ID: engine.MemberID(d.ID), Name: d.Name, Gender: d.Gender,
		BirthDate: engine.CalendarDate(d.BirthDate), Phone: d.Phone,
		Fee: engine.FeeCategory(d.Fee), Status: engine.MemberStatus(d.Status),
		SubPrograms: d.SubPrograms,
	}
}

func (s *Store) SaveProgram(ctx context.Context, p engine.Program) error {
	doc := programDoc{Name: p.Name, Function: p.Function, Team: p.Team, Unit: p.Unit}
	_, err := s.programs.ReplaceOne(ctx, bson.M{"_id": p.Name}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) Classify(ctx context.Context, subProgram string) (engine.Classification, error) {
	var doc programDoc
	err := s.programs.FindOne(ctx, bson.M{"_id": subProgram}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return engine.Classification{}, nil
	}
	if err != nil {
		return engine.Classification{}, err
	}
	return engine.Classification{Function: doc.Function, Team: doc.Team, Unit: doc.Unit}, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) SaveAuditRun(ctx context.Context, r engine.AuditRun) error {
	doc := auditDoc{
		ID: string(r.ID), Status: string(r.Status), Repair: r.Repair,
		OrphanAttendance: r.OrphanAttendance, MissingAttendance: r.MissingAttendance,
		Repaired: r.Repaired, Error: r.Error, StartedAt: r.StartedAt.UTC(), CompletedAt: r.CompletedAt,
	}
	_, err := s.audits.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) ListAuditRuns(ctx context.Context, limit int) ([]engine.AuditRun, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.audits.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	var docs []auditDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	runs := make([]engine.AuditRun, len(docs))
	for i, d := range docs {
		runs[i] = engine.AuditRun{
			ID: engine.RecordID(d.ID), Status: engine.AuditStatus(d.Status), Repair: d.Repair,
			OrphanAttendance: d.OrphanAttendance, MissingAttendance: d.MissingAttendance,
			Repaired: d.Repaired, Error: d.Error, StartedAt: d.StartedAt, CompletedAt: d.CompletedAt,
		}
	}
	return runs, nil
}

// Reset drops every document but keeps the indexes.
func (s *Store) Reset(ctx context.Context) error {
	for _, c := range []*mongo.Collection{s.attendance, s.performance, s.members, s.programs, s.audits} {
		if _, err := c.DeleteMany(ctx, bson.M{}); err != nil {
			return fmt.Errorf("failed to reset %s: %w", c.Name(), err)
		}
	}
	return nil
}
