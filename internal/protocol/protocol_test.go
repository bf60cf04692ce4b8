package protocol_test

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/droverlab/anomalyd/internal/model"
	"github.com/droverlab/anomalyd/internal/protocol"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for {
		var m map[string]any
		err := dec.Decode(&m)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, m)
	}
}

func TestWriteControlMessages(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)

	require.NoError(t, w.WriteResetBuckets(model.TimeRange{Start: 100, End: 200}))
	require.NoError(t, w.WriteFlush("f-1", model.FlushParams{CalcInterim: true, AdvanceTime: 300}))
	require.NoError(t, w.WriteUpdateDetectorRules(1, []model.DetectionRule{{Action: "skip_result"}}))
	require.NoError(t, w.WriteKill())

	msgs := decodeLines(t, &buf)
	require.Len(t, msgs, 4)

	require.Equal(t, "reset_buckets", msgs[0]["control"])
	require.Equal(t, float64(100), msgs[0]["start"])
	require.Equal(t, float64(200), msgs[0]["end"])

	require.Equal(t, "flush", msgs[1]["control"])
	require.Equal(t, "f-1", msgs[1]["id"])
	require.Equal(t, true, msgs[1]["calc_interim"])
	require.Equal(t, float64(300), msgs[1]["advance_time"])

	require.Equal(t, "update_rules", msgs[2]["control"])
	require.Equal(t, float64(1), msgs[2]["detector_index"])

	require.Equal(t, "kill", msgs[3]["control"])
}

func TestWriteRecordsNDJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)

	input := `{"time":100,"value":1}
{"time":200,"value":2}

{"value":3}
`
	counts, err := w.WriteRecords(strings.NewReader(input), model.DataFormatNDJSON)
	require.NoError(t, err)
	require.Equal(t, int64(3), counts.ProcessedRecords)
	require.Equal(t, int64(1), counts.InvalidRecords)
	require.Equal(t, time.Unix(200, 0), counts.LatestRecordTime)

	// blank line dropped, records passed through verbatim
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, `{"time":100,"value":1}`, lines[0])
}

func TestWriteRecordsCSVSkipsHeader(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)

	input := "time,value\n100,1\n200,2\n"
	counts, err := w.WriteRecords(strings.NewReader(input), model.DataFormatCSV)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts.ProcessedRecords)
	require.Equal(t, int64(len(input)), counts.ProcessedBytes)
}

func TestResultReader(t *testing.T) {
	t.Parallel()
	stream := `{"bucket":{"job_id":"j","timestamp":100,"anomaly_score":10}}
{"records":[{"job_id":"j","timestamp":100,"record_score":50}]}
{"flush":{"id":"f-1"}}
`
	r := protocol.NewResultReader(strings.NewReader(stream))

	res, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, res.Bucket)
	require.Equal(t, int64(100), res.Bucket.Timestamp)

	res, err = r.Next()
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, float64(50), res.Records[0].RecordScore)

	res, err = r.Next()
	require.NoError(t, err)
	require.NotNil(t, res.FlushAck)
	require.Equal(t, "f-1", res.FlushAck.ID)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestResultReaderParseFailure(t *testing.T) {
	t.Parallel()
	r := protocol.NewResultReader(strings.NewReader(`{"bucket":{}}` + "\nnot json\n"))

	_, err := r.Next()
	require.NoError(t, err)

	_, err = r.Next()
	require.ErrorIs(t, err, model.ErrResultStreamParse)
}
