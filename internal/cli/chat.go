package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/harun/tavern/internal/daemon"
	"github.com/harun/tavern/pkg/agent"
	"github.com/harun/tavern/pkg/controller"
	"github.com/harun/tavern/pkg/session"
	"github.com/spf13/cobra"
)

var chatSessionID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat in the terminal",
	Long: `Start an interactive chat in the terminal using the configured flow.
When no API key is configured the prompt asks for one and retries the
message. Type /help for commands.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSessionID, "session", "cli", "session ID, reused across runs when a journal dir is set")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	r := &repl{
		ctrl:      d.Controller(),
		sessions:  d.Sessions(),
		sessionID: chatSessionID,
		in:        bufio.NewReader(cmd.InOrStdin()),
		out:       cmd.OutOrStdout(),
	}
	return r.run(cmd.Context())
}

const replHelp = `Commands:
  /sheet   show the character sheet and game state
  /key     set the API key for this session
  /reset   start over
  /quit    leave`

// repl drives one session from a line-oriented terminal.
type repl struct {
	ctrl      *controller.Controller
	sessions  *session.Registry
	sessionID string
	in        *bufio.Reader
	out       io.Writer

	sess *session.Session
}

func (r *repl) run(ctx context.Context) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	for {
		fmt.Fprint(r.out, "> ")
		line, err := r.readLine()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(r.out)
			return nil
		}
		if err != nil {
			return err
		}

		text := strings.TrimSpace(line)
		switch {
		case text == "":
			continue
		case text == "/quit" || text == "/exit":
			return nil
		case text == "/help":
			fmt.Fprintln(r.out, replHelp)
			continue
		case text == "/sheet":
			r.printPanel(r.ctrl.Render(r.sess))
			continue
		case text == "/reset":
			if _, err := r.sessions.Reset(r.sess.ID); err != nil {
				return err
			}
			if err := r.open(ctx); err != nil {
				return err
			}
			continue
		case text == "/key":
			if _, err := r.askKey(); err != nil {
				return ignoreEOF(err)
			}
			continue
		}

		if err := r.turn(ctx, line); err != nil {
			return ignoreEOF(err)
		}
	}
}

// open gets or creates the session and prints its history.
func (r *repl) open(ctx context.Context) error {
	sess, err := r.sessions.GetOrCreate(ctx, r.sessionID)
	if err != nil {
		return err
	}
	r.sess = sess

	view, err := r.ctrl.Start(ctx, sess)
	if err != nil {
		return err
	}
	for _, t := range view.Turns {
		r.printTurn(t)
	}
	if view.Character != nil {
		r.printPanel(view)
	}
	return nil
}

// turn runs text, asking for a key and retrying the same text while the
// credential is missing or rejected.
func (r *repl) turn(ctx context.Context, text string) error {
	for {
		before := r.sess.Phase()
		view, err := r.ctrl.HandleTurn(ctx, r.sess, text)
		switch {
		case err == nil:
			r.printReply(view, before)
			return nil
		case errors.Is(err, controller.ErrEmptyInput):
			return nil
		case errors.Is(err, agent.ErrAuthentication):
			fmt.Fprintln(r.out, "The API key was rejected.")
		case errors.Is(err, agent.ErrCredentialMissing):
			fmt.Fprintln(r.out, "An API key is required to continue.")
		default:
			fmt.Fprintf(r.out, "Error: %v\n", err)
			return nil
		}

		entered, err := r.askKey()
		if err != nil {
			return err
		}
		if !entered {
			fmt.Fprintln(r.out, "No key entered; message dropped.")
			return nil
		}
	}
}

// askKey reads a key from the terminal and reports whether one was given.
func (r *repl) askKey() (bool, error) {
	fmt.Fprint(r.out, "API key: ")
	key, err := r.readLine()
	if err != nil {
		return false, err
	}
	if key = strings.TrimSpace(key); key == "" {
		return false, nil
	}
	r.sess.SetCredential(key)
	return true, nil
}

func (r *repl) printReply(view *controller.View, before session.Phase) {
	if n := len(view.Turns); n > 0 && view.Turns[n-1].Role == string(session.RoleAssistant) {
		r.printTurn(view.Turns[n-1])
	} else {
		// The model answered with a structured payload only.
		r.printPanel(view)
	}
	if view.Warning != "" {
		fmt.Fprintf(r.out, "(warning: %s)\n", view.Warning)
	}
	if view.Flow == controller.FlowDungeon && view.Phase != before {
		r.printPanel(view)
	}
	if view.QuestCompleted {
		fmt.Fprintln(r.out, "*** Quest complete! Type /reset to begin a new adventure. ***")
	}
}

func (r *repl) printTurn(t controller.RenderedTurn) {
	label := "You"
	if t.Role == string(session.RoleAssistant) {
		label = "Bot"
	}
	fmt.Fprintf(r.out, "%s: %s\n", label, t.Text)
}

func (r *repl) printPanel(view *controller.View) {
	if view.Flow != controller.FlowDungeon {
		fmt.Fprintln(r.out, "The chatbot flow has no character sheet.")
		return
	}
	fmt.Fprintf(r.out, "--- %s ---\n", view.Phase)
	if view.Character != nil {
		fmt.Fprintln(r.out, view.Character.String())
	} else {
		fmt.Fprintln(r.out, "No character yet.")
	}
	if view.GameState != "" {
		fmt.Fprintf(r.out, "State: %s\n", view.GameState)
	}
	fmt.Fprintln(r.out, "---")
}

// readLine returns one line without its terminator. A final line without
// a newline is returned before io.EOF.
func (r *repl) readLine() (string, error) {
	line, err := r.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
