package round

import (
	"testing"

	"github.com/tokenscomedyclub/arena/engine/store"
)

func modelsFixture() []store.Model {
	return []store.Model{
		{ID: "m1", Name: "Prompter", CanPrompt: true, CanAnswer: true, CanVote: true},
		{ID: "m2", Name: "A", CanPrompt: true, CanAnswer: true, CanVote: true},
		{ID: "m3", Name: "B", CanPrompt: true, CanAnswer: true, CanVote: true},
		{ID: "m4", Name: "Voter", CanPrompt: false, CanAnswer: false, CanVote: true},
	}
}

func TestSelectParticipantsAssignsDistinctRoles(t *testing.T) {
	models := modelsFixture()
	p, err := SelectParticipants(models)
	if err != nil {
		t.Fatalf("SelectParticipants: %v", err)
	}
	if p.Contestants[0].ID == p.Contestants[1].ID {
		t.Error("expected two distinct contestants")
	}
	if p.Contestants[0].ID == p.Prompter.ID || p.Contestants[1].ID == p.Prompter.ID {
		t.Error("expected contestants excluded from the prompter")
	}
	for _, v := range p.Voters {
		if v.ID == p.Contestants[0].ID || v.ID == p.Contestants[1].ID {
			t.Errorf("expected voters to exclude the two contestants, found %s", v.ID)
		}
	}
}

func TestSelectParticipantsFailsWithNoPrompter(t *testing.T) {
	models := []store.Model{
		{ID: "m1", CanAnswer: true, CanVote: true},
		{ID: "m2", CanAnswer: true, CanVote: true},
		{ID: "m3", CanVote: true},
	}
	if _, err := SelectParticipants(models); err != ErrInsufficientRoleCoverage {
		t.Errorf("expected ErrInsufficientRoleCoverage, got %v", err)
	}
}

func TestSelectParticipantsFailsWithFewerThanTwoAnswerers(t *testing.T) {
	models := []store.Model{
		{ID: "m1", CanPrompt: true, CanAnswer: true, CanVote: true},
		{ID: "m2", CanPrompt: true, CanVote: true},
	}
	if _, err := SelectParticipants(models); err != ErrInsufficientRoleCoverage {
		t.Errorf("expected ErrInsufficientRoleCoverage, got %v", err)
	}
}

func TestSelectParticipantsFailsWithNoEligibleVoters(t *testing.T) {
	models := []store.Model{
		{ID: "m1", CanPrompt: true, CanAnswer: true},
		{ID: "m2", CanAnswer: true},
		{ID: "m3", CanAnswer: true},
	}
	if _, err := SelectParticipants(models); err != ErrInsufficientRoleCoverage {
		t.Errorf("expected ErrInsufficientRoleCoverage when no model can vote, got %v", err)
	}
}
