package parley

import (
	"reflect"
	"testing"
)

func TestEveryNPick(t *testing.T) {
	plan := TurnPlan{
		Order:   []string{"alpha", "beta", "moderator", "summarizer"},
		Cadence: map[string]int{"moderator": 2, "summarizer": 3},
	}

	cases := []struct {
		iter int
		want []string
	}{
		{1, []string{"alpha", "beta"}},
		{2, []string{"alpha", "beta", "moderator"}},
		{3, []string{"alpha", "beta", "summarizer"}},
		{6, []string{"alpha", "beta", "moderator", "summarizer"}},
	}
	for _, tc := range cases {
		if got := (EveryN{}).Pick(tc.iter, plan); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Pick(%d) = %v, want %v", tc.iter, got, tc.want)
		}
	}
}

func TestEveryNZeroCadenceFiresEvery(t *testing.T) {
	plan := TurnPlan{Order: []string{"a"}, Cadence: map[string]int{"a": 0}}
	for iter := 1; iter <= 3; iter++ {
		if got := (EveryN{}).Pick(iter, plan); len(got) != 1 {
			t.Errorf("iteration %d picked %v, want the node every iteration", iter, got)
		}
	}
}

func TestRoundRobinPick(t *testing.T) {
	plan := TurnPlan{Order: []string{"a", "b", "c"}}
	want := []string{"a", "b", "c", "a", "b"}
	for i, id := range want {
		got := (RoundRobin{}).Pick(i+1, plan)
		if len(got) != 1 || got[0] != id {
			t.Errorf("Pick(%d) = %v, want [%s]", i+1, got, id)
		}
	}
	if got := (RoundRobin{}).Pick(1, TurnPlan{}); got != nil {
		t.Errorf("empty plan picked %v", got)
	}
}

func TestTurnSchedulerByName(t *testing.T) {
	if _, err := TurnSchedulerByName("every_n"); err != nil {
		t.Error(err)
	}
	if _, err := TurnSchedulerByName("round_robin"); err != nil {
		t.Error(err)
	}
	if _, err := TurnSchedulerByName("fair_dice"); err == nil {
		t.Error("unknown scheduler resolved")
	}

	RegisterTurnScheduler("custom", RoundRobin{})
	if _, err := TurnSchedulerByName("custom"); err != nil {
		t.Error(err)
	}
}
