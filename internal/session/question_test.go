package session

import (
	"testing"

	apperrors "github.com/lairsandllamas/host/internal/errors"
	"github.com/lairsandllamas/host/internal/transcript"
)

func testQuestion() transcript.PendingQuestion {
	return transcript.PendingQuestion{Questions: []transcript.Question{{
		Question: "Which door?",
		Header:   "Door",
		Options:  []transcript.QuestionOption{{Label: "Left"}, {Label: "Right"}},
	}}}
}

func TestQuestionBroker_FirstAnswerWins(t *testing.T) {
	var b QuestionBroker
	ch, err := b.Open(testQuestion())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if b.Pending() == nil {
		t.Fatal("Pending() = nil after Open")
	}

	if !b.Resolve(Answers{"Which door?": "Left"}) {
		t.Fatal("first Resolve should succeed")
	}
	if b.Resolve(Answers{"Which door?": "Right"}) {
		t.Error("second Resolve should be ignored")
	}

	got := <-ch
	if got["Which door?"] != "Left" {
		t.Errorf("answer = %v, want Left", got)
	}
	if b.Pending() != nil {
		t.Error("Pending() should be nil after Resolve")
	}
}

func TestQuestionBroker_ResolveWithoutQuestion(t *testing.T) {
	var b QuestionBroker
	if b.Resolve(Answers{"x": "y"}) {
		t.Error("Resolve with nothing pending should report false")
	}
	if b.Cancel() {
		t.Error("Cancel with nothing pending should report false")
	}
}

func TestQuestionBroker_OnlyOneOpen(t *testing.T) {
	var b QuestionBroker
	if _, err := b.Open(testQuestion()); err != nil {
		t.Fatal(err)
	}
	_, err := b.Open(testQuestion())
	if !apperrors.IsCode(err, apperrors.CodeQuestionAlreadyPending) {
		t.Errorf("second Open error = %v", err)
	}
}

func TestQuestionBroker_CancelClosesChannel(t *testing.T) {
	var b QuestionBroker
	ch, _ := b.Open(testQuestion())
	if !b.Cancel() {
		t.Fatal("Cancel should report a pending question")
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed without a value")
	}
	if _, err := b.Open(testQuestion()); err != nil {
		t.Errorf("Open after Cancel error = %v", err)
	}
}
