package hookserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/gitcmd"
	"github.com/averdin/refinery/internal/ingest"
	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/models"
	"github.com/averdin/refinery/internal/service"
)

// Server handles hook shim connections.
type Server struct {
	cfg *config.Config
	db  *gorm.DB
	log zerolog.Logger

	// runnerFor builds the git runner for a repository path; replaced in
	// tests.
	runnerFor func(path string) *gitcmd.Runner
	// wakeBranchUpdater pokes the branch updater after pending rows are
	// recorded.
	wakeBranchUpdater func()
	// outputPollInterval controls how often the post-receive wait re-reads
	// the output tail.
	outputPollInterval time.Duration
}

// NewServer creates a hook server bound to one database session.
func NewServer(cfg *config.Config, db *gorm.DB) *Server {
	return &Server{
		cfg:       cfg,
		db:        db,
		log:       log.WithComponent("hookserver"),
		runnerFor: gitcmd.New,
		wakeBranchUpdater: func() {
			service.WakeByPidfile(cfg.PidfilePath("branchupdater"))
		},
		outputPollInterval: 200 * time.Millisecond,
	}
}

// HandleConn serves one hook invocation: a single JSON request, a stream
// of JSON reply lines. Write failures are swallowed; the pushing client
// may disconnect at any time and processing continues regardless.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	var req Request
	if err := service.ReadJSONLine(bufio.NewReader(conn), &req); err != nil {
		s.log.Warn().Err(err).Msg("malformed hook request")
		return
	}

	switch req.Hook {
	case "pre-receive":
		s.preReceive(ctx, conn, &req)
	case "post-receive":
		s.postReceive(ctx, conn, &req)
	default:
		s.reply(conn, Reply{Output: fmt.Sprintf("unknown hook %q\n", req.Hook), Reject: true})
	}
}

// reply writes one JSON line, ignoring client disconnects. Output text is
// padded for the shim's sideband relay.
func (s *Server) reply(conn net.Conn, r Reply) {
	r.Output = padOutput(r.Output)
	service.WriteJSONLine(conn, r)
}

// resolveUser maps the shim's user name to an account. When the caller is
// the system user, REMOTE_USER overrides it (the front-end pushes on
// behalf of signed-in users through the system account).
func (s *Server) resolveUser(req *Request) (*models.User, error) {
	name := req.UserName
	if name == s.cfg.SystemUser {
		if remote, ok := req.Environ["REMOTE_USER"]; ok && remote != "" {
			name = remote
		}
	}
	var user models.User
	err := s.db.Where("name = ?", name).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hookserver: look up user %s: %w", name, err)
	}
	return &user, nil
}

func (s *Server) resolveRepository(name string) (*models.Repository, error) {
	var repo models.Repository
	err := s.db.Where("name = ?", name).First(&repo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hookserver: look up repository %s: %w", name, err)
	}
	return &repo, nil
}

// preReceive validates the push and records pending updates. It must reply
// before git releases the ref write.
func (s *Server) preReceive(ctx context.Context, conn net.Conn, req *Request) {
	repo, err := s.resolveRepository(req.RepositoryName)
	if err != nil {
		s.serverError(conn, err)
		return
	}
	if repo == nil {
		s.reply(conn, Reply{Output: fmt.Sprintf("unknown repository %q\n", req.RepositoryName), Reject: true})
		return
	}
	user, err := s.resolveUser(req)
	if err != nil {
		s.serverError(conn, err)
		return
	}

	runner := s.runnerFor(repo.Path)
	plans, err := s.validatePush(ctx, repo, user, req, runner)
	if err != nil {
		var rej *rejection
		if errors.As(err, &rej) {
			s.reply(conn, Reply{Output: rej.message + "\n"})
			s.reply(conn, Reply{Reject: true})
			return
		}
		s.serverError(conn, err)
		return
	}

	if err := s.runPolicyHook(ctx, conn, req); err != nil {
		var rej *rejection
		if errors.As(err, &rej) {
			s.reply(conn, Reply{Output: rej.message + "\n"})
			s.reply(conn, Reply{Reject: true})
			return
		}
		s.serverError(conn, err)
		return
	}

	// Ingest pushed commits before acknowledging, so every commit
	// reachable from a recorded head exists in the database.
	session := ingest.NewSession(s.db)
	for _, plan := range plans {
		if plan.update.NewSHA1 == gitcmd.ZeroSHA1 || plan.resurrect {
			continue
		}
		if _, err := session.EnsureCommits(ctx, runner, plan.update.NewSHA1); err != nil {
			s.serverError(conn, err)
			return
		}
	}

	// Resurrections finish here: the recorded head already matches, so
	// the archived flag is cleared inline and no pending row is needed.
	var pending []refPlan
	for _, plan := range plans {
		if !plan.resurrect {
			pending = append(pending, plan)
			continue
		}
		if err := s.resurrectBranch(repo, plan); err != nil {
			s.serverError(conn, err)
			return
		}
		s.reply(conn, Reply{Output: fmt.Sprintf("resurrected branch %s\n", headsName(plan.update.RefName))})
	}

	if len(pending) > 0 {
		if _, err := s.recordPending(repo, user, req.Environ["CRITIC_FLAGS"], pending); err != nil {
			s.serverError(conn, err)
			return
		}
		s.wakeBranchUpdater()
	}
	s.reply(conn, Reply{Accept: true})
}

// resurrectBranch clears the archived flag on a branch pushed back at its
// recorded head.
func (s *Server) resurrectBranch(repo *models.Repository, plan refPlan) error {
	name := headsName(plan.update.RefName)
	err := s.db.Model(&models.Branch{}).
		Where("repository_id = ? AND name = ?", repo.ID, name).
		Update("archived", false).Error
	if err != nil {
		return fmt.Errorf("hookserver: resurrect branch %s: %w", name, err)
	}
	return nil
}

// runPolicyHook executes the deployment's custom policy hook, if
// configured, with the request on stdin. A non-zero exit rejects the push
// with the hook's captured output.
func (s *Server) runPolicyHook(ctx context.Context, conn net.Conn, req *Request) error {
	hook := s.cfg.HookServer.PolicyHook
	if hook == "" {
		return nil
	}
	stdin, err := encodeRequest(req)
	if err != nil {
		return err
	}
	result, err := service.RunChild(ctx, service.ChildOpts{
		Argv:     []string{hook},
		Stdin:    stdin,
		Deadline: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("hookserver: run policy hook: %w", err)
	}
	if len(result.Stdout) > 0 {
		s.reply(conn, Reply{Output: string(result.Stdout)})
	}
	if result.TimedOut {
		return rejectf("policy hook timed out")
	}
	if result.ExitCode != 0 {
		return rejectf("rejected by policy hook")
	}
	return nil
}

func (s *Server) serverError(conn net.Conn, err error) {
	s.log.Error().Err(err).Msg("hook request failed")
	s.reply(conn, Reply{Output: "internal error; the push was not accepted\n", Reject: true})
}
