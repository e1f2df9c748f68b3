package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"attendcode/internal/apperrors"
	"attendcode/internal/attendance"
	"attendcode/internal/codes"
)

const (
	keyPrefix      = "attendcode:"
	codeIndexKey   = keyPrefix + "codes"
	studentsKey    = keyPrefix + "students"
	auditRetention = 24 * time.Hour
	deviceTTL      = 48 * time.Hour
	maxTxRetries   = 3
)

// Redis wraps redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

func codeKey(classID string) string { return keyPrefix + "code:" + classID }

// Put writes the class's code and index entry in one MULTI/EXEC, so
// readers see either the old record or the new one.
func (r *Redis) Put(ctx context.Context, code codes.Code) error {
	data, err := json.Marshal(code)
	if err != nil {
		return err
	}
	ttl := time.Until(code.ExpiryTime) + auditRetention
	_, err = r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, codeKey(code.ClassID), data, ttl)
		pipe.SAdd(ctx, codeIndexKey, code.ClassID)
		return nil
	})
	return err
}

// Get returns the class's code record.
func (r *Redis) Get(ctx context.Context, classID string) (*codes.Code, error) {
	raw, err := r.Client.Get(ctx, codeKey(classID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c codes.Code
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode code %s: %w", classID, err)
	}
	return &c, nil
}

// List returns every retained code record. Index entries whose record
// has aged out are pruned on the way.
func (r *Redis) List(ctx context.Context) ([]codes.Code, error) {
	classIDs, err := r.Client.SMembers(ctx, codeIndexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(classIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(classIDs))
	for i, id := range classIDs {
		keys[i] = codeKey(id)
	}
	values, err := r.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]codes.Code, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, classIDs[i])
			continue
		}
		var c codes.Code
		if err := json.Unmarshal([]byte(s), &c); err != nil {
			return nil, fmt.Errorf("decode code %s: %w", classIDs[i], err)
		}
		out = append(out, c)
	}
	if len(stale) > 0 {
		_ = r.Client.SRem(ctx, codeIndexKey, stale...).Err()
	}
	return out, nil
}

// Delete drops the class's code.
func (r *Redis) Delete(ctx context.Context, classID string) error {
	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, codeKey(classID))
		pipe.SRem(ctx, codeIndexKey, classID)
		return nil
	})
	return err
}

func attendanceKey(classID, studentID string) string {
	return keyPrefix + "attendance:" + classID + ":" + studentID
}

func classStudentsKey(classID string) string {
	return keyPrefix + "class:" + classID + ":students"
}

func deviceKey(date, fp string) string {
	return keyPrefix + "device:" + date + ":" + fp
}

// Insert appends rec. Student marks run inside WATCH/MULTI on the
// (class, student) list and the device key, so two concurrent marks cannot
// both pass the same-day check.
func (r *Redis) Insert(ctx context.Context, rec attendance.Record) error {
	data, err := json.Marshal(redisRecord{Record: rec, DeviceFingerprint: rec.DeviceFingerprint})
	if err != nil {
		return err
	}
	key := attendanceKey(rec.ClassID, rec.StudentID)
	write := func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.SAdd(ctx, classStudentsKey(rec.ClassID), rec.StudentID)
		if rec.DeviceFingerprint != "" && !rec.ManualEntry {
			pipe.Set(ctx, deviceKey(rec.Date, rec.DeviceFingerprint), rec.StudentID, deviceTTL)
		}
		return nil
	}
	if rec.ManualEntry {
		_, err := r.Client.TxPipelined(ctx, write)
		return err
	}

	watched := []string{key}
	if rec.DeviceFingerprint != "" {
		watched = append(watched, deviceKey(rec.Date, rec.DeviceFingerprint))
	}
	txf := func(tx *redis.Tx) error {
		existing, err := loadRecords(ctx, tx, key)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Date == rec.Date && !e.ManualEntry {
				return apperrors.ErrAlreadyMarked
			}
		}
		if rec.DeviceFingerprint != "" {
			n, err := tx.Exists(ctx, deviceKey(rec.Date, rec.DeviceFingerprint)).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return apperrors.ErrDeviceReused
			}
		}
		_, err = tx.TxPipelined(ctx, write)
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err = r.Client.Watch(ctx, txf, watched...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// Latest returns the newest record for the class and student.
func (r *Redis) Latest(ctx context.Context, classID, studentID string) (*attendance.Record, error) {
	raw, err := r.Client.LIndex(ctx, attendanceKey(classID, studentID), 0).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByClass returns the class's records, newest first.
func (r *Redis) ListByClass(ctx context.Context, classID string) ([]attendance.Record, error) {
	students, err := r.Client.SMembers(ctx, classStudentsKey(classID)).Result()
	if err != nil {
		return nil, err
	}
	var out []attendance.Record
	for _, sid := range students {
		recs, err := loadRecords(ctx, r.Client, attendanceKey(classID, sid))
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	sortNewestFirst(out)
	return out, nil
}

// Student reads a roster entry from the students hash.
func (r *Redis) Student(ctx context.Context, studentID string) (*attendance.Student, error) {
	raw, err := r.Client.HGet(ctx, studentsKey, studentID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rs redisStudent
	if err := json.Unmarshal([]byte(raw), &rs); err != nil {
		return nil, fmt.Errorf("decode student %s: %w", studentID, err)
	}
	s := rs.Student
	s.PasswordHash = rs.PasswordHash
	if s.ID == "" {
		s.ID = studentID
	}
	return &s, nil
}

// PutStudent writes a roster entry; used by seeding and tests.
func (r *Redis) PutStudent(ctx context.Context, s attendance.Student) error {
	data, err := json.Marshal(redisStudent{Student: s, PasswordHash: s.PasswordHash})
	if err != nil {
		return err
	}
	return r.Client.HSet(ctx, studentsKey, s.ID, data).Err()
}

func captureKey(id string) string { return keyPrefix + "capture:" + id }

// SaveCapture stores the capture owner with a TTL.
func (r *Redis) SaveCapture(ctx context.Context, captureID, studentID string, ttl time.Duration) error {
	return r.Client.Set(ctx, captureKey(captureID), studentID, ttl).Err()
}

// Consume atomically reads and deletes the capture.
func (r *Redis) Consume(ctx context.Context, captureID, studentID string) (bool, error) {
	owner, err := r.Client.GetDel(ctx, captureKey(captureID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == studentID, nil
}

// redisStudent keeps the password hash, which Student hides from JSON.
type redisStudent struct {
	attendance.Student
	PasswordHash string `json:"passwordHash,omitempty"`
}

// redisRecord keeps the fingerprint, which Record hides from JSON.
type redisRecord struct {
	attendance.Record
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
}

func decodeRecord(raw string) (attendance.Record, error) {
	var rr redisRecord
	if err := json.Unmarshal([]byte(raw), &rr); err != nil {
		return attendance.Record{}, fmt.Errorf("decode record: %w", err)
	}
	rec := rr.Record
	rec.DeviceFingerprint = rr.DeviceFingerprint
	return rec, nil
}

// listReader is satisfied by both *redis.Client and *redis.Tx.
type listReader interface {
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

func loadRecords(ctx context.Context, c listReader, key string) ([]attendance.Record, error) {
	raws, err := c.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]attendance.Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
