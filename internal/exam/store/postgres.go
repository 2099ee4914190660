package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"invigil/internal/exam/models"
	id "invigil/pkg/domain"
)

// Postgres implements every exam port against PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed exam store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) FindByNationalID(ctx context.Context, nationalID string) (*models.Candidate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, national_id, full_name, COALESCE(email, ''), COALESCE(reference_image_url, '')
		FROM candidates
		WHERE national_id = $1`, nationalID)

	var c models.Candidate
	var cid uuid.UUID
	err := row.Scan(&cid, &c.NationalID, &c.FullName, &c.Email, &c.ReferenceImageURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find candidate: %w", err)
	}
	c.ID = id.CandidateID(cid)
	return &c, nil
}

func (s *Postgres) ActiveExams(ctx context.Context) ([]*models.Exam, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, COALESCE(description, ''), duration_minutes, passing_score,
		       COALESCE(instructions, ''), is_active
		FROM exams
		WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("list active exams: %w", err)
	}
	defer rows.Close()

	var exams []*models.Exam
	for rows.Next() {
		var e models.Exam
		var eid uuid.UUID
		if err := rows.Scan(&eid, &e.Title, &e.Description, &e.DurationMinutes,
			&e.PassingScore, &e.Instructions, &e.Active); err != nil {
			return nil, fmt.Errorf("scan exam: %w", err)
		}
		e.ID = id.ExamID(eid)
		exams = append(exams, &e)
	}
	return exams, rows.Err()
}

func (s *Postgres) Exam(ctx context.Context, examID id.ExamID) (*models.Exam, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, COALESCE(description, ''), duration_minutes, passing_score,
		       COALESCE(instructions, ''), is_active
		FROM exams
		WHERE id = $1`, uuid.UUID(examID))

	var e models.Exam
	var eid uuid.UUID
	err := row.Scan(&eid, &e.Title, &e.Description, &e.DurationMinutes,
		&e.PassingScore, &e.Instructions, &e.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	e.ID = id.ExamID(eid)
	return &e, nil
}

func (s *Postgres) Questions(ctx context.Context, examID id.ExamID) ([]models.Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, exam_id, question_text, option_a, option_b, option_c, option_d,
		       correct_option, points, question_order
		FROM exam_questions
		WHERE exam_id = $1
		ORDER BY question_order`, uuid.UUID(examID))
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var questions []models.Question
	for rows.Next() {
		var q models.Question
		var qid, eid uuid.UUID
		var correct string
		if err := rows.Scan(&qid, &eid, &q.Text, &q.OptionA, &q.OptionB, &q.OptionC,
			&q.OptionD, &correct, &q.Points, &q.Order); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.ID = id.QuestionID(qid)
		q.ExamID = id.ExamID(eid)
		q.CorrectOption = models.Option(correct)
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (s *Postgres) Create(ctx context.Context, attempt *models.Attempt) error {
	if attempt == nil {
		return fmt.Errorf("attempt is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exam_attempts (id, candidate_id, exam_id, started_at, face_verified, verification_image_ref)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.UUID(attempt.ID), uuid.UUID(attempt.CandidateID), uuid.UUID(attempt.ExamID),
		attempt.StartedAt, attempt.FaceVerified, attempt.VerificationImageRef)
	if err != nil {
		return fmt.Errorf("create attempt: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, attemptID id.AttemptID) (*models.Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, candidate_id, exam_id, started_at, completed_at, score, passed,
		       face_verified, COALESCE(verification_image_ref, '')
		FROM exam_attempts
		WHERE id = $1`, uuid.UUID(attemptID))

	var a models.Attempt
	var aid, cid, eid uuid.UUID
	var completedAt sql.NullTime
	var score sql.NullInt64
	var passed sql.NullBool
	err := row.Scan(&aid, &cid, &eid, &a.StartedAt, &completedAt, &score, &passed,
		&a.FaceVerified, &a.VerificationImageRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	a.ID = id.AttemptID(aid)
	a.CandidateID = id.CandidateID(cid)
	a.ExamID = id.ExamID(eid)
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	if score.Valid {
		v := int(score.Int64)
		a.Score = &v
	}
	if passed.Valid {
		v := passed.Bool
		a.Passed = &v
	}
	return &a, nil
}

func (s *Postgres) Complete(ctx context.Context, attemptID id.AttemptID, completedAt time.Time, score int, passed bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE exam_attempts
		SET completed_at = $2, score = $3, passed = $4
		WHERE id = $1`,
		uuid.UUID(attemptID), completedAt, score, passed)
	if err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	return nil
}

func (s *Postgres) Upsert(ctx context.Context, answer models.Answer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exam_answers (attempt_id, question_id, selected_option, answered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (attempt_id, question_id)
		DO UPDATE SET selected_option = EXCLUDED.selected_option, answered_at = EXCLUDED.answered_at`,
		uuid.UUID(answer.AttemptID), uuid.UUID(answer.QuestionID), string(answer.Selected), answer.AnsweredAt)
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	return nil
}

func (s *Postgres) ListByAttempt(ctx context.Context, attemptID id.AttemptID) ([]models.Answer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, question_id, selected_option, answered_at
		FROM exam_answers
		WHERE attempt_id = $1
		ORDER BY answered_at`, uuid.UUID(attemptID))
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	var answers []models.Answer
	for rows.Next() {
		var a models.Answer
		var aid, qid uuid.UUID
		var selected string
		if err := rows.Scan(&aid, &qid, &selected, &a.AnsweredAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		a.AttemptID = id.AttemptID(aid)
		a.QuestionID = id.QuestionID(qid)
		a.Selected = models.Option(selected)
		answers = append(answers, a)
	}
	return answers, rows.Err()
}
