package portfolio

import (
	"sync"
	"testing"
)

func TestGroupsNameAndMembers(t *testing.T) {
	groups := NewGroups(map[string][]string{
		"majors": {"BTC/USDT", "ETH/USDT"},
	})

	if name := groups.Name("BTC/USDT"); name != "majors" {
		t.Errorf("expected group majors, got %s", name)
	}
	if name := groups.Name("SOL/USDT"); name != "SOL/USDT" {
		t.Errorf("ungrouped instrument must form its own group, got %s", name)
	}
	if !groups.SameGroup("BTC/USDT", "ETH/USDT") {
		t.Errorf("BTC and ETH must share a group")
	}
	if groups.SameGroup("BTC/USDT", "SOL/USDT") {
		t.Errorf("SOL must not share the majors group")
	}
	if members := groups.Members("ETH/USDT"); len(members) != 2 {
		t.Errorf("expected 2 members, got %d", len(members))
	}
}

func TestGroupsLockSerializesSameGroup(t *testing.T) {
	groups := NewGroups(map[string][]string{
		"majors": {"BTC/USDT", "ETH/USDT"},
	})

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := groups.Lock("BTC/USDT")
			counter++
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := groups.Lock("ETH/USDT")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("group lock failed to serialize increments: got %d", counter)
	}
}
