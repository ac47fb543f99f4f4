package outbox

import "github.com/sirupsen/logrus"

func logrusNop() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func recordFields(rec *Record) logrus.Fields {
	return logrus.Fields{
		"record_id":   rec.ID.String(),
		"tenant_id":   rec.TenantID.String(),
		"event_type":  rec.EventType,
		"retry_count": rec.RetryCount,
	}
}
