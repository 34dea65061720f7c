// ABOUTME: BadgerDB implementation of the Store interface
// ABOUTME: Messages live under sortable per-conversation keys; users are indexed by id and email

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key layout. A NUL byte separates the conversation key from the rest so that no
// conversation's prefix can match another conversation's keys.
//
//	msg/{conversationKey}\x00{seq:019d}     -> diskMessage
//	msgid/{conversationKey}\x00{messageID}  -> message key
//	user/{id}                               -> diskUser
//	email/{email}                           -> id
const (
	msgPrefix   = "msg/"
	msgIDPrefix = "msgid/"
	userPrefix  = "user/"
	emailPrefix = "email/"
)

// BadgerStore implements the Store interface on an embedded BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore opens (or creates) a Badger database in dir.
// An empty dir opens an in-memory database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	logger := slog.Default().With("component", "store")

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	logger.Info("Badger store initialized", "dir", dir, "in_memory", dir == "")
	return &BadgerStore{db: db, logger: logger}, nil
}

// diskMessage is the stored form of a Message
type diskMessage struct {
	ID              string     `json:"id"`
	ConversationKey string     `json:"conversation_key"`
	Seq             int64      `json:"seq"`
	SenderID        string     `json:"sender_id"`
	ReceiverID      string     `json:"receiver_id"`
	Text            string     `json:"text"`
	DisplayName     string     `json:"display_name"`
	CreatedAt       time.Time  `json:"created_at"`
	Read            bool       `json:"read"`
	ReadAt          *time.Time `json:"read_at,omitempty"`
}

// diskUser is the stored form of a User
type diskUser struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

func messageKey(conversationKey string, seq int64) []byte {
	return fmt.Appendf(nil, "%s%s\x00%019d", msgPrefix, conversationKey, seq)
}

func messageIDKey(conversationKey, messageID string) []byte {
	return []byte(msgIDPrefix + conversationKey + "\x00" + messageID)
}

func conversationPrefix(conversationKey string) []byte {
	return []byte(msgPrefix + conversationKey + "\x00")
}

// AppendMessage stores msg under its (conversation, seq) key.
func (s *BadgerStore) AppendMessage(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(fromMessage(msg))
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	key := messageKey(msg.ConversationKey, msg.Seq)

	err = s.db.Update(func(txn *badger.Txn) error {
		idKey := messageIDKey(msg.ConversationKey, msg.ID)
		for _, k := range [][]byte{key, idKey} {
			if _, err := txn.Get(k); err == nil {
				return ErrDuplicateMessage
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set(idKey, key)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return err
		}
		return fmt.Errorf("appending message: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "conversation_key", msg.ConversationKey, "seq", msg.Seq)
	return nil
}

// ListMessages scans the conversation prefix; zero padded seq keeps keys in order.
func (s *BadgerStore) ListMessages(ctx context.Context, conversationKey string) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var messages []*Message
	prefix := conversationPrefix(conversationKey)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var dm diskMessage
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &dm)
			})
			if err != nil {
				return fmt.Errorf("decoding message: %w", err)
			}
			messages = append(messages, dm.toMessage())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return messages, nil
}

// MarkMessageRead flips the read flag inside a single transaction.
func (s *BadgerStore) MarkMessageRead(ctx context.Context, conversationKey, messageID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	changed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		idItem, err := txn.Get(messageIDKey(conversationKey, messageID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := idItem.ValueCopy(nil)
		if err != nil {
			return err
		}

		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var dm diskMessage
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &dm) }); err != nil {
			return fmt.Errorf("decoding message: %w", err)
		}
		if dm.Read {
			return nil
		}

		readAt := at.UTC()
		dm.Read = true
		dm.ReadAt = &readAt
		value, err := json.Marshal(dm)
		if err != nil {
			return fmt.Errorf("encoding message: %w", err)
		}
		changed = true
		return txn.Set(key, value)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("marking message read: %w", err)
	}
	return changed, nil
}

// CreateUser stores a user and its email index atomically.
func (s *BadgerStore) CreateUser(ctx context.Context, user *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(diskUser(*user))
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, k := range []string{userPrefix + user.ID, emailPrefix + user.Email} {
			if _, err := txn.Get([]byte(k)); err == nil {
				return ErrDuplicateUser
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		if err := txn.Set([]byte(userPrefix+user.ID), value); err != nil {
			return err
		}
		return txn.Set([]byte(emailPrefix+user.Email), []byte(user.ID))
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateUser) {
			return err
		}
		return fmt.Errorf("creating user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID)
	return nil
}

// GetUser retrieves a user by ID.
func (s *BadgerStore) GetUser(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var user *User
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		user, err = getUserTxn(txn, id)
		return err
	})
	return user, err
}

// GetUserByEmail resolves the email index, then loads the user.
func (s *BadgerStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var user *User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(emailPrefix + email))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		user, err = getUserTxn(txn, string(id))
		return err
	})
	return user, err
}

// ListUsers returns all users ordered by registration time.
func (s *BadgerStore) ListUsers(ctx context.Context) ([]*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var users []*User
	prefix := []byte(userPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var du diskUser
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &du) }); err != nil {
				return fmt.Errorf("decoding user: %w", err)
			}
			u := User(du)
			users = append(users, &u)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	sort.SliceStable(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func getUserTxn(txn *badger.Txn, id string) (*User, error) {
	item, err := txn.Get([]byte(userPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var du diskUser
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &du) }); err != nil {
		return nil, fmt.Errorf("decoding user: %w", err)
	}
	u := User(du)
	return &u, nil
}

// Ping reports whether the database is still open.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return ctx.Err()
}

// Close closes the database
func (s *BadgerStore) Close() error {
	s.logger.Info("closing Badger store")
	return s.db.Close()
}

func fromMessage(m *Message) diskMessage {
	return diskMessage{
		ID:              m.ID,
		ConversationKey: m.ConversationKey,
		Seq:             m.Seq,
		SenderID:        m.SenderID,
		ReceiverID:      m.ReceiverID,
		Text:            m.Text,
		DisplayName:     m.DisplayName,
		CreatedAt:       m.CreatedAt,
		Read:            m.Read,
		ReadAt:          m.ReadAt,
	}
}

func (d diskMessage) toMessage() *Message {
	return &Message{
		ID:              d.ID,
		ConversationKey: d.ConversationKey,
		Seq:             d.Seq,
		SenderID:        d.SenderID,
		ReceiverID:      d.ReceiverID,
		Text:            d.Text,
		DisplayName:     d.DisplayName,
		CreatedAt:       d.CreatedAt,
		Read:            d.Read,
		ReadAt:          d.ReadAt,
	}
}
