package geofence

import (
	"testing"
	"time"

	"github.com/fixrelay/fixrelay/pkg/fix"
	"github.com/fixrelay/fixrelay/pkg/logx"
)

func fixAt(lat, lon float64, seq int64) fix.Fix {
	return fix.Fix{
		Timestamp: time.Now(),
		DeviceID:  "watch-01",
		Latitude:  lat,
		Longitude: lon,
		Sequence:  seq,
	}
}

func TestCircleEvaluatorEntryExit(t *testing.T) {
	home := Zone{Name: "home", Latitude: 59.33, Longitude: 18.07, RadiusM: 200}

	var events []Event
	e := NewCircleEvaluator([]Zone{home}, logx.New("error"), func(ev Event) {
		events = append(events, ev)
	})

	// Far away: no event
	e.ProcessLocation(fixAt(59.40, 18.20, 1))
	if len(events) != 0 {
		t.Fatalf("no events expected outside zone, got %v", events)
	}

	// Enter the zone
	e.ProcessLocation(fixAt(59.33, 18.07, 2))
	if len(events) != 1 || !events[0].Entered || events[0].Zone != "home" {
		t.Fatalf("expected entry event, got %v", events)
	}

	// Stay inside: no repeated event
	e.ProcessLocation(fixAt(59.3301, 18.0701, 3))
	if len(events) != 1 {
		t.Fatalf("no event expected while staying inside, got %v", events)
	}

	// Leave
	e.ProcessLocation(fixAt(59.40, 18.20, 4))
	if len(events) != 2 || events[1].Entered {
		t.Fatalf("expected exit event, got %v", events)
	}
}

func TestCircleEvaluatorMultipleZones(t *testing.T) {
	zones := []Zone{
		{Name: "home", Latitude: 0, Longitude: 0, RadiusM: 500},
		{Name: "school", Latitude: 0.01, Longitude: 0, RadiusM: 500},
	}
	var events []Event
	e := NewCircleEvaluator(zones, logx.New("error"), func(ev Event) {
		events = append(events, ev)
	})

	// Origin is inside home only
	e.ProcessLocation(fixAt(0, 0, 1))
	if len(events) != 1 || events[0].Zone != "home" {
		t.Fatalf("expected home entry only, got %v", events)
	}
}
