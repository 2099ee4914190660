// Package scoring computes attempt results from recorded answers.
package scoring

import (
	"math"

	"invigil/internal/exam/models"
	id "invigil/pkg/domain"
)

// Result is the outcome of grading one attempt.
type Result struct {
	Score        int
	Passed       bool
	PointsEarned int
	PointsTotal  int
}

// Grade scores a set of selected options against the exam's questions.
// Score is the rounded percentage of points earned over points available;
// the attempt passes iff the score reaches passingScore. An exam with no
// point-bearing questions grades to zero rather than dividing by zero.
func Grade(questions []models.Question, answers map[id.QuestionID]models.Option, passingScore int) Result {
	var earned, total int
	for _, q := range questions {
		total += q.Points
		if sel, ok := answers[q.ID]; ok && sel == q.CorrectOption {
			earned += q.Points
		}
	}

	score := 0
	if total > 0 {
		score = int(math.Round(100 * float64(earned) / float64(total)))
	}

	return Result{
		Score:        score,
		Passed:       score >= passingScore,
		PointsEarned: earned,
		PointsTotal:  total,
	}
}
