package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odprt-iep/hybridrag/internal/config"
	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/validation"
)

// testEnv isolates a command run: home, config, store and the generation
// model all live under a temp dir.
type testEnv struct {
	dir      string
	llmCalls *atomic.Int64
}

// fakeOllama answers /api/chat. Judge requests get a passing verdict,
// other JSON-format requests get an email draft and everything else gets a
// fixed answer.
func fakeOllama(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		var req struct {
			Format   string `json:"format"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		judging := false
		for _, m := range req.Messages {
			if strings.HasPrefix(m.Content, "Evaluation Criteria:") {
				judging = true
			}
		}

		content := "From the records: use the RCA template in policies/rca.md."
		switch {
		case judging:
			content = `{"score": 9, "reason": "matches the ground truth"}`
		case req.Format == "json":
			content = `{"subject":"RCA review request","body":"Please review the attached RCA.","recipients":["iep@nus.edu.sg"]}`
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": content},
			"done":    true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	calls := &atomic.Int64{}
	llm := fakeOllama(t, calls)

	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("NO_COLOR", "1")
	t.Setenv("HYBRIDRAG_STORE_PATH", filepath.Join(dir, "store", "hybridrag.db"))
	t.Setenv("HYBRIDRAG_EMBEDDINGS_PROVIDER", "static")
	t.Setenv("HYBRIDRAG_DIMENSIONS", "64")
	t.Setenv("HYBRIDRAG_ROUTER_MODE", "pattern")
	t.Setenv("HYBRIDRAG_LLM_PROVIDER", "ollama")
	t.Setenv("HYBRIDRAG_LLM_HOST", llm.URL)
	return &testEnv{dir: dir, llmCalls: calls}
}

// run executes the root command with args and returns stdout.
func (e *testEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config-dir", e.dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// writeDoc creates a markdown document under dir/policies.
func (e *testEnv) writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, "policies", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const rcaDoc = `# Research Collaboration Agreement

## Templates

The RCA template is maintained by IEP. Download it from the contracting hub
and send the completed draft to the IEP officer for your faculty.

## Timeline

Review of an RCA usually takes two to three weeks.
`

func TestRootCmd_Help(t *testing.T) {
	// Given: the root command
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	// When: asking for help
	require.NoError(t, cmd.Execute())

	// Then: every command is listed
	for _, name := range []string{"serve", "ingest", "search", "query", "escalate", "collection", "config", "validate", "doctor", "logs", "version"} {
		assert.Contains(t, buf.String(), name)
	}
}

func TestVersionCmd(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "", "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)

	out, err = env.run(t, "", "version", "--json")
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "dev", info["version"])
}

func TestConfigShow_AppliesEnvironment(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "", "config", "show", "--json")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 64, cfg.Store.Dimensions)
	assert.Equal(t, "static", cfg.Embeddings.Provider)
	assert.Equal(t, "odprt_index", cfg.Store.Collection)
}

func TestConfigShow_UnknownSource(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "config", "show", "--source", "user")
	assert.Error(t, err)
}

func TestConfigInit_BacksUpOnForce(t *testing.T) {
	env := newTestEnv(t)
	path := config.GetUserConfigPath()

	// Given: a fresh config created from the template
	out, err := env.run(t, "", "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Created configuration")
	require.FileExists(t, path)

	// When: running init again without --force
	out, err = env.run(t, "", "config", "init")
	require.NoError(t, err)

	// Then: the file is kept
	assert.Contains(t, out, "already exists")
	backups, err := config.ListBackups(path)
	require.NoError(t, err)
	assert.Empty(t, backups)

	// When: forcing
	_, err = env.run(t, "", "config", "init", "--force")
	require.NoError(t, err)

	// Then: the old file was backed up and the template still loads
	backups, err = config.ListBackups(path)
	require.NoError(t, err)
	assert.Len(t, backups, 1)
	_, err = env.run(t, "", "config", "show")
	require.NoError(t, err)
}

func TestConfigInit_Project(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "", "config", "init", "--project")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(env.dir, config.ProjectConfigName))
}

func TestIngestThenSearch(t *testing.T) {
	env := newTestEnv(t)
	doc := env.writeDoc(t, "rca.md", rcaDoc)

	// Given: a directory ingested with plain progress
	out, err := env.run(t, "", "ingest", filepath.Join(env.dir, "policies"), "--no-tui")
	require.NoError(t, err)
	assert.Contains(t, out, "[FILE] 1/1")
	assert.Contains(t, out, "Complete: 1 files")

	// When: searching for a term from the document
	out, err = env.run(t, "", "search", "RCA template", "--json")
	require.NoError(t, err)

	// Then: the hits come from that file
	var res searchOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, doc, res.Hits[0].DocSource)
	assert.Equal(t, "md", res.Hits[0].DocType)
	assert.Contains(t, res.Context, "RCA template")
}

func TestIngest_ReplaceDoesNotDuplicate(t *testing.T) {
	env := newTestEnv(t)
	doc := env.writeDoc(t, "rca.md", rcaDoc)

	first, err := env.run(t, "", "ingest", doc, "--json")
	require.NoError(t, err)
	var s1 ingestSummary
	require.NoError(t, json.Unmarshal([]byte(first), &s1))
	require.Positive(t, s1.Records)

	second, err := env.run(t, "", "ingest", doc, "--replace", "--json")
	require.NoError(t, err)
	var s2 ingestSummary
	require.NoError(t, json.Unmarshal([]byte(second), &s2))
	assert.Equal(t, s1.Records, s2.Deleted)

	out, err := env.run(t, "", "collection", "status", "--json")
	require.NoError(t, err)
	var status struct {
		Collection struct {
			Records int `json:"records"`
		} `json:"collection"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, s1.Records, status.Collection.Records)
}

func TestIngest_Stdin(t *testing.T) {
	env := newTestEnv(t)
	records := `{"text":"NDA review takes five working days."}
{"text":"MOU signatories are listed on the IEP site.","doc_source":"mou-faq"}
`
	out, err := env.run(t, records, "ingest", "-", "--doc-source", "nda-faq", "--doc-type", "faq")
	require.NoError(t, err)
	assert.Contains(t, out, "Ingested 2 records")

	out, err = env.run(t, "", "search", "NDA review", "--json")
	require.NoError(t, err)
	var res searchOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "nda-faq", res.Hits[0].DocSource)
	assert.Equal(t, "faq", res.Hits[0].DocType)
}

func TestIngest_MissingPath(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "ingest", filepath.Join(env.dir, "nope"))
	require.Error(t, err)
	assert.True(t, rerrors.IsValidation(err))
}

func TestIngest_WatchNeedsDirectory(t *testing.T) {
	env := newTestEnv(t)
	doc := env.writeDoc(t, "rca.md", rcaDoc)
	_, err := env.run(t, "", "ingest", doc, "--watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--watch needs a directory")
}

func TestSearch_EmptyCollection(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "", "search", "RCA template")
	require.NoError(t, err)
	assert.Contains(t, out, "No records found")
}

func TestQuery(t *testing.T) {
	tests := []struct {
		name      string
		question  string
		wantClass string
		wantText  string
		wantCalls int64
	}{
		{
			name:      "related question is answered by the model",
			question:  "Where do I find the RCA template?",
			wantClass: "related",
			wantText:  "From the records",
			wantCalls: 1,
		},
		{
			name:      "unrelated question is declined without a model call",
			question:  "What is the weather in Paris?",
			wantClass: "unrelated",
			wantText:  config.DefaultDeclineMessage,
			wantCalls: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.run(t, "", "ingest", env.writeDoc(t, "rca.md", rcaDoc))
			require.NoError(t, err)

			out, err := env.run(t, "", "query", tt.question, "--json")
			require.NoError(t, err)

			var ans struct {
				Answer         string   `json:"answer"`
				Classification string   `json:"classification"`
				Sources        []string `json:"sources"`
				RequestID      string   `json:"request_id"`
			}
			require.NoError(t, json.Unmarshal([]byte(out), &ans))
			assert.Equal(t, tt.wantClass, ans.Classification)
			assert.Contains(t, ans.Answer, tt.wantText)
			assert.NotEmpty(t, ans.RequestID)
			assert.NotNil(t, ans.Sources)
			assert.Equal(t, tt.wantCalls, env.llmCalls.Load())
		})
	}
}

func TestQuery_RecordsUsage(t *testing.T) {
	env := newTestEnv(t)

	// Given: two answered queries
	_, err := env.run(t, "", "query", "Where do I find the RCA template?")
	require.NoError(t, err)
	_, err = env.run(t, "", "query", "What is the weather in Paris?")
	require.NoError(t, err)

	// When: reading the status
	out, err := env.run(t, "", "collection", "status")
	require.NoError(t, err)

	// Then: persisted usage is reported
	assert.Contains(t, out, "Queries:    2")
	assert.Contains(t, out, "related:")
}

func TestQuery_HistoryFromStdin(t *testing.T) {
	env := newTestEnv(t)

	// The anchor term appears only in the history.
	out, err := env.run(t, "user: I am drafting an MOU\n", "query", "How long will it take?", "--history", "-", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"classification": "related"`)
}

func TestEscalate(t *testing.T) {
	env := newTestEnv(t)
	history := filepath.Join(env.dir, "chat.txt")
	require.NoError(t, os.WriteFile(history, []byte("user: my RCA has been pending for a month\n"), 0644))

	out, err := env.run(t, "", "escalate", "--history", history, "--json")
	require.NoError(t, err)

	var draft struct {
		Subject    string   `json:"subject"`
		Recipients []string `json:"recipients"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &draft))
	assert.Equal(t, "RCA review request", draft.Subject)
	assert.Equal(t, []string{"iep@nus.edu.sg"}, draft.Recipients)
}

func TestEscalate_EmptyHistory(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "  \n", "escalate", "--history", "-")
	require.Error(t, err)
	assert.True(t, rerrors.IsValidation(err))
	assert.Zero(t, env.llmCalls.Load())
}

func TestCollection_ListAndDrop(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "ingest", env.writeDoc(t, "rca.md", rcaDoc))
	require.NoError(t, err)

	out, err := env.run(t, "", "collection", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "odprt_index")

	// Declining the prompt keeps the collection.
	out, err = env.run(t, "n\n", "collection", "drop")
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted")

	out, err = env.run(t, "", "collection", "drop", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Dropped collection odprt_index")

	out, err = env.run(t, "", "collection", "list", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	_, err = env.run(t, "", "collection", "drop", "scratch", "--yes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"scratch" does not exist`)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		suite   string
		wantErr bool
	}{
		{
			name: "passing suite",
			suite: `min_pass_rate: 1.0
cases:
  - {id: r1, query: "Where do I get an RCA template?", expected: related}
  - {id: u1, query: "What is the weather in Paris?", expected: unrelated}
`,
		},
		{
			name: "suite below its pass rate fails the command",
			suite: `min_pass_rate: 1.0
cases:
  - {id: r1, query: "Where do I get an RCA template?", expected: unrelated}
`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			path := filepath.Join(env.dir, "queries.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.suite), 0644))

			out, err := env.run(t, "", "validate", "--queries", path, "--router", "pattern")
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, rerrors.ErrCodeSuiteFailed, rerrors.GetCode(err))
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, out)
			assert.Zero(t, env.llmCalls.Load())
		})
	}
}

func TestValidate_Answers(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "ingest", env.writeDoc(t, "rca.md", rcaDoc))
	require.NoError(t, err)

	path := filepath.Join(env.dir, "answers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`min_pass_rate: 1.0
cases:
  - id: rca-template
    query: Where do I get an RCA template?
    ground_truth: The RCA template is in the policies folder.
`), 0644))

	out, err := env.run(t, "", "validate", "--answers", "--queries", path)
	require.NoError(t, err)
	assert.Contains(t, out, "PASS: 1/1 answers passed")
	assert.Contains(t, out, "faithfulness")
	// one answer plus one verdict per metric
	assert.Equal(t, int64(1+len(validation.Metrics)), env.llmCalls.Load())

	out, err = env.run(t, "", "validate", "--answers", "--queries", path, "--json")
	require.NoError(t, err)
	var rep validation.AnswerReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Len(t, rep.Results, 1)
	assert.True(t, rep.Results[0].Passed)
	assert.NotEmpty(t, rep.Results[0].Context)
}

func TestValidate_AnswersRejectsSuiteWithoutGroundTruth(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.dir, "answers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cases:\n  - {id: a, query: what is an RCA?}\n"), 0644))

	_, err := env.run(t, "", "validate", "--answers", "--queries", path)
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeConfigInvalid, rerrors.GetCode(err))
	assert.Zero(t, env.llmCalls.Load())
}

func TestLogs_TailsFile(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.dir, "server.log")
	lines := `{"time":"2026-10-15T10:00:00Z","level":"INFO","msg":"ingest_completed","records":3}
{"time":"2026-10-15T10:00:01Z","level":"ERROR","msg":"insert_failed"}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0644))

	out, err := env.run(t, "", "logs", "--file", path, "--level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "insert_failed")
	assert.NotContains(t, out, "ingest_completed")
}

func TestServe_UnknownTransport(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "serve", "--transport", "carrier-pigeon")
	assert.Error(t, err)
}

func TestDoctor(t *testing.T) {
	env := newTestEnv(t)

	// Given: a fresh store with no collection
	out, err := env.run(t, "", "doctor", "--json")
	require.NoError(t, err)

	var rep doctorReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "ready_with_warnings", rep.Status)
	byName := map[string]string{}
	for _, r := range rep.Checks {
		byName[r.Name] = r.Status.String()
	}
	assert.Equal(t, "PASS", byName["store_dir"])
	assert.Equal(t, "PASS", byName["embedder"])
	assert.Equal(t, "PASS", byName["generator"], "any HTTP answer counts as reachable")
	assert.Equal(t, "WARN", byName["collection"])

	// When: the collection exists but the configured width changes
	env.writeDoc(t, "rca.md", rcaDoc)
	_, err = env.run(t, "", "ingest", filepath.Join(env.dir, "policies"), "--no-tui")
	require.NoError(t, err)
	t.Setenv("HYBRIDRAG_DIMENSIONS", "32")

	out, err = env.run(t, "", "doctor")

	// Then: the schema check fails the run
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodePreflightFailed, rerrors.GetCode(err))
	assert.Contains(t, out, "[FAIL] collection")
	assert.Contains(t, out, "Status: FAILED")
}

func TestDoctor_OfflineSkipsNetwork(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("HYBRIDRAG_LLM_HOST", "http://127.0.0.1:1")
	t.Setenv("HYBRIDRAG_ROUTER_MODE", "hybrid")

	out, err := env.run(t, "", "doctor", "--offline")
	require.NoError(t, err)
	assert.Contains(t, out, "[SKIP] generator: offline")
	assert.Contains(t, out, "[SKIP] embedder: offline")
}

func TestIngest_WritesProfiles(t *testing.T) {
	env := newTestEnv(t)
	env.writeDoc(t, "rca.md", rcaDoc)
	cpu := filepath.Join(env.dir, "cpu.prof")
	heap := filepath.Join(env.dir, "heap.prof")

	_, err := env.run(t, "", "ingest", filepath.Join(env.dir, "policies"), "--no-tui",
		"--cpu-profile", cpu, "--mem-profile", heap)
	require.NoError(t, err)

	assert.FileExists(t, cpu)
	assert.FileExists(t, heap)
}

func TestIngest_HonoursIgnoreFile(t *testing.T) {
	env := newTestEnv(t)
	env.writeDoc(t, "rca.md", rcaDoc)
	env.writeDoc(t, "drafts/nda.md", "# NDA draft\n\nNot ready.")
	env.writeDoc(t, ".hybridragignore", "drafts/\n")

	out, err := env.run(t, "", "ingest", filepath.Join(env.dir, "policies"), "--json")
	require.NoError(t, err)

	var sum ingestSummary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 1, sum.Files)
}
