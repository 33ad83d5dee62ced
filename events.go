package quarry

// eventBuffer bounds each subscription channel. Delivery never blocks the
// session loop; a full channel drops the notification.
const eventBuffer = 16

type eventKeyKind uint8

const (
	keyCompletion eventKeyKind = iota
	keyTable
	keyTableDetail
)

// EventKey selects which notifications a subscription receives. Keys form a
// specificity hierarchy: a detailed per-table key beats a plain per-table
// key, which beats the generic activity-completion key.
type EventKey struct {
	kind  eventKeyKind
	table string
}

// CompletionKey matches notifications that carry no table identity.
func CompletionKey() EventKey {
	return EventKey{kind: keyCompletion}
}

// TableKey matches change notifications for one table.
func TableKey(table string) EventKey {
	return EventKey{kind: keyTable, table: table}
}

// TableDetailKey matches change notifications for one table and receives
// the full row payload.
func TableDetailKey(table string) EventKey {
	return EventKey{kind: keyTableDetail, table: table}
}

// wireSpec renders the key for the subscribe command sent to the backend.
func (k EventKey) wireSpec() string {
	switch k.kind {
	case keyTable:
		return "table:" + k.table
	case keyTableDetail:
		return "detail:" + k.table
	}
	return "complete"
}

// routeEvent dispatches one inbound notification to the most specific
// matching subscriber. No match is not an error; the notification is
// dropped with a trace entry.
func (s *Session) routeEvent(ev Event) {
	if ev.Table != "" {
		if ch, ok := s.subs[TableDetailKey(ev.Table)]; ok {
			s.deliverEvent(ch, ev)
			return
		}
		if ch, ok := s.subs[TableKey(ev.Table)]; ok {
			// Plain table subscribers get the notification without the
			// detailed row payload.
			ev.Row = nil
			s.deliverEvent(ch, ev)
			return
		}
		s.metrics.inc(MetricEventDropped)
		s.log.Trace().Str("table", ev.Table).Msg("no subscriber for table notification")
		return
	}

	if ch, ok := s.subs[CompletionKey()]; ok {
		s.deliverEvent(ch, ev)
		return
	}
	s.metrics.inc(MetricEventDropped)
	s.log.Trace().Msg("no subscriber for completion notification")
}

func (s *Session) deliverEvent(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		s.metrics.inc(MetricEventRouted)
	default:
		s.metrics.inc(MetricEventDropped)
		s.log.Warn().Str("table", ev.Table).Msg("subscriber channel full, dropping notification")
	}
}
