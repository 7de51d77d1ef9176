// Package mongostore implements the expense record store on MongoDB.
// Commit needs a replica set or sharded cluster for multi-document
// transactions.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/pesio-ai/be-expenses/internal/errors"
	"github.com/pesio-ai/be-expenses/internal/repository"
)

const (
	colExpenses   = "expenses"
	colChecklists = "approval_checklists"
	colAudit      = "audit_log"
	colRules      = "approval_rules"
)

// Store implements repository.Store and repository.RuleStore.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// auditDoc adds an insertion sequence so entries written at the same instant
// keep their order.
type auditDoc struct {
	repository.AuditEntry `bson:",inline"`
	Seq                   int64 `bson:"seq"`
}

// Connect dials MongoDB with the decimal-aware registry and verifies the
// connection.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	opts := options.Client().ApplyURI(uri).SetRegistry(NewRegistry())
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes the store relies on. It is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colExpenses: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "expense_date", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		colChecklists: {
			{
				Keys:    bson.D{{Key: "expense_id", Value: 1}, {Key: "round", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "entries.approver_id", Value: 1}, {Key: "archived_at", Value: 1}}},
		},
		colAudit: {
			{Keys: bson.D{{Key: "expense_id", Value: 1}, {Key: "performed_at", Value: 1}, {Key: "seq", Value: 1}}},
		},
	}
	for name, models := range indexes {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", name, err)
		}
	}
	return nil
}

func (s *Store) CreateExpense(ctx context.Context, expense *repository.Expense, audit *repository.AuditEntry) error {
	session, err := s.client.StartSession()
	if err != nil {
		return storeErr(err)
	}
	defer session.EndSession(ctx)

	doc := expense.Clone()
	doc.Version = 1
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := s.db.Collection(colExpenses).InsertOne(sc, doc); err != nil {
			return nil, err
		}
		if audit != nil {
			return nil, s.appendAudit(sc, []*repository.AuditEntry{audit})
		}
		return nil, nil
	})
	if mongo.IsDuplicateKeyError(err) {
		return errors.Newf(errors.ErrCodeConflict, "expense %q already exists", expense.ID)
	}
	if err != nil {
		return storeErr(err)
	}
	expense.Version = 1
	return nil
}

func (s *Store) GetExpense(ctx context.Context, id string) (*repository.Expense, error) {
	var e repository.Expense
	err := s.db.Collection(colExpenses).FindOne(ctx, bson.M{"_id": id}).Decode(&e)
	if err == mongo.ErrNoDocuments {
		return nil, errors.NotFound("expense", id)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &e, nil
}

func (s *Store) ListExpenses(ctx context.Context, f repository.ExpenseFilter) ([]*repository.Expense, int64, error) {
	filter := bson.M{}
	if f.OwnerID != "" {
		filter["owner_id"] = f.OwnerID
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.Category != "" {
		filter["category"] = f.Category
	}
	if f.FromDate != "" || f.ToDate != "" {
		dates := bson.M{}
		if f.FromDate != "" {
			dates["$gte"] = f.FromDate
		}
		if f.ToDate != "" {
			dates["$lte"] = f.ToDate
		}
		filter["expense_date"] = dates
	}

	coll := s.db.Collection(colExpenses)
	total, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, storeErr(err)
	}

	opts := options.Find().SetSort(bson.D{{Key: "expense_date", Value: -1}, {Key: "created_at", Value: -1}})
	if f.PageSize > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		opts.SetSkip(int64((page - 1) * f.PageSize)).SetLimit(int64(f.PageSize))
	}

	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, storeErr(err)
	}
	expenses := make([]*repository.Expense, 0)
	if err := cur.All(ctx, &expenses); err != nil {
		return nil, 0, storeErr(err)
	}
	return expenses, total, nil
}

func (s *Store) GetChecklist(ctx context.Context, expenseID string, round int) (*repository.Checklist, error) {
	var c repository.Checklist
	err := s.db.Collection(colChecklists).
		FindOne(ctx, bson.M{"expense_id": expenseID, "round": round}).
		Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, errors.NotFound("checklist", expenseID)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &c, nil
}

func (s *Store) ListOpenChecklistsForApprover(ctx context.Context, approverID string) ([]*repository.Checklist, error) {
	filter := bson.M{
		"archived_at": nil,
		"entries": bson.M{"$elemMatch": bson.M{
			"approver_id": approverID,
			"decision":    repository.DecisionUndecided,
		}},
	}
	cur, err := s.db.Collection(colChecklists).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]*repository.Checklist, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

// Commit applies the transition in a multi-document transaction. The expense
// replace is filtered on the expected version.
func (s *Store) Commit(ctx context.Context, t *repository.Transition) error {
	session, err := s.client.StartSession()
	if err != nil {
		return storeErr(err)
	}
	defer session.EndSession(ctx)

	doc := t.Expense.Clone()
	doc.Version = t.ExpectedVersion + 1

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		expenses := s.db.Collection(colExpenses)
		res, err := expenses.ReplaceOne(sc, bson.M{"_id": doc.ID, "version": t.ExpectedVersion}, doc)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			n, err := expenses.CountDocuments(sc, bson.M{"_id": doc.ID})
			if err != nil {
				return nil, err
			}
			if n == 0 {
				return nil, errors.NotFound("expense", doc.ID)
			}
			return nil, errors.VersionConflict("expense", doc.ID)
		}

		if t.Checklist != nil {
			_, err := s.db.Collection(colChecklists).ReplaceOne(sc,
				bson.M{"expense_id": t.Checklist.ExpenseID, "round": t.Checklist.Round},
				t.Checklist,
				options.Replace().SetUpsert(true))
			if err != nil {
				return nil, err
			}
		}
		if len(t.Audit) > 0 {
			return nil, s.appendAudit(sc, t.Audit)
		}
		return nil, nil
	})
	if err != nil {
		return storeErr(err)
	}
	t.Expense.Version = doc.Version
	return nil
}

func (s *Store) appendAudit(ctx context.Context, entries []*repository.AuditEntry) error {
	base := time.Now().UTC().UnixNano()
	docs := make([]interface{}, 0, len(entries))
	for i, a := range entries {
		if a.PerformedAt.IsZero() {
			a.PerformedAt = time.Now().UTC()
		}
		docs = append(docs, auditDoc{AuditEntry: *a, Seq: base + int64(i)})
	}
	_, err := s.db.Collection(colAudit).InsertMany(ctx, docs)
	return err
}

func (s *Store) ListAudit(ctx context.Context, expenseID string) ([]*repository.AuditEntry, error) {
	cur, err := s.db.Collection(colAudit).Find(ctx,
		bson.M{"expense_id": expenseID},
		options.Find().SetSort(bson.D{{Key: "performed_at", Value: 1}, {Key: "seq", Value: 1}}))
	if err != nil {
		return nil, storeErr(err)
	}
	var docs []auditDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr(err)
	}
	out := make([]*repository.AuditEntry, len(docs))
	for i := range docs {
		entry := docs[i].AuditEntry
		out[i] = &entry
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return storeErr(s.client.Ping(ctx, readpref.Primary()))
}

// ── rules ─────────────────────────────────────────────────────────────────────

func (s *Store) CreateRule(ctx context.Context, rule *repository.ApprovalRule) error {
	now := time.Now().UTC()
	rule.CreatedAt, rule.UpdatedAt = now, now
	_, err := s.db.Collection(colRules).InsertOne(ctx, rule)
	if mongo.IsDuplicateKeyError(err) {
		return errors.Newf(errors.ErrCodeConflict, "approval rule %q already exists", rule.ID)
	}
	return storeErr(err)
}

func (s *Store) GetRule(ctx context.Context, id string) (*repository.ApprovalRule, error) {
	var rule repository.ApprovalRule
	err := s.db.Collection(colRules).FindOne(ctx, bson.M{"_id": id}).Decode(&rule)
	if err == mongo.ErrNoDocuments {
		return nil, errors.NotFound("approval_rule", id)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &rule, nil
}

func (s *Store) ListRules(ctx context.Context, activeOnly bool) ([]*repository.ApprovalRule, error) {
	filter := bson.M{}
	if activeOnly {
		filter["is_active"] = true
	}
	cur, err := s.db.Collection(colRules).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, storeErr(err)
	}
	rules := make([]*repository.ApprovalRule, 0)
	if err := cur.All(ctx, &rules); err != nil {
		return nil, storeErr(err)
	}
	return rules, nil
}

func (s *Store) UpdateRule(ctx context.Context, rule *repository.ApprovalRule) error {
	existing, err := s.GetRule(ctx, rule.ID)
	if err != nil {
		return err
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()

	res, err := s.db.Collection(colRules).ReplaceOne(ctx, bson.M{"_id": rule.ID}, rule)
	if err != nil {
		return storeErr(err)
	}
	if res.MatchedCount == 0 {
		return errors.NotFound("approval_rule", rule.ID)
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.Collection(colRules).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storeErr(err)
	}
	if res.DeletedCount == 0 {
		return errors.NotFound("approval_rule", id)
	}
	return nil
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *errors.Error
	if errors.As(err, &coded) {
		return coded
	}
	return errors.StoreUnavailable(err)
}
