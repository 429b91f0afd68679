// Command client is a minimal, non-TUI demonstration of the session
// controller: create or join a room from the command line, then read
// plaintext lines from stdin and print decrypted messages as they arrive.
// The emoji picker, message view, and countdown widgets a full terminal UI
// would offer are explicitly out of scope here.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"sos-chat/internal/config"
	"sos-chat/internal/controller"
	"sos-chat/internal/crypto"
	"sos-chat/internal/logger"
	"sos-chat/internal/transport"
)

func main() {
	cfg := config.LoadClient()
	log := logger.New("CLIENT", cfg.LogLevel)
	stdin := bufio.NewReader(os.Stdin)

	fmt.Println("sos-chat client — create (c) or join (j) a room?")
	choice := readLine(stdin, "> ")

	var creds controller.Credentials
	var fp string

	switch strings.ToLower(choice) {
	case "c":
		emojis, err := crypto.GenerateRoomEmojis()
		if err != nil {
			log.Fatalf("startup", "generate room id: %v", err)
		}
		mode := readLine(stdin, "mode (rotating/fixed): ")
		creds = controller.Credentials{Emojis: emojis, Mode: crypto.Mode(mode)}
		if creds.Mode == crypto.ModeFixed {
			pin, err := crypto.GeneratePIN()
			if err != nil {
				log.Fatalf("startup", "generate pin: %v", err)
			}
			creds.FixedPIN = pin
			fmt.Printf("fixed PIN (share out-of-band): %s\n", pin)
		}
		fmt.Printf("room id: %s (%s)\n", crypto.RoomID(emojis), crypto.PhoneticRoomID(emojis))
		fp = crypto.Fingerprint(emojis)

	case "j":
		raw := readLine(stdin, "room id (glyphs, no separators): ")
		emojis := crypto.IndicesToEmojis(crypto.EmojisToIndices(splitGlyphs(raw)))
		mode := readLine(stdin, "mode (rotating/fixed): ")
		creds = controller.Credentials{Emojis: emojis, Mode: crypto.Mode(mode)}
		if creds.Mode == crypto.ModeFixed {
			creds.FixedPIN = readPIN(stdin)
		}
		fp = crypto.Fingerprint(emojis)

	default:
		fmt.Println("unrecognized choice")
		os.Exit(1)
	}

	tcfg := transport.Config{
		RelayHost: cfg.RelayHost,
		RelayPort: cfg.RelayPort,
		UseDirect: cfg.UseDirect,
		SocksHost: cfg.SocksHost,
		SocksPort: cfg.SocksPort,
	}

	ctrl := controller.New(creds, tcfg, controller.Callbacks{
		OnMessage: func(m controller.ChatMessage) {
			fmt.Printf("[%s] %s\n", m.Sender, m.Text)
		},
		OnStateChange: func(s transport.State) {
			fmt.Printf("(connection: %s)\n", s)
		},
		OnRoomExpire: func() {
			fmt.Println("(room expired)")
			os.Exit(0)
		},
		OnDecryptFailure: func(id string) {
			fmt.Printf("(undecryptable message %s dropped)\n", id)
		},
	}, log)

	ctx := context.Background()
	tr := ctrl.Transport()
	if err := tr.Connect(ctx); err != nil {
		log.Fatalf("startup", "connect: %v", err)
	}

	var createdAt int64
	var err error
	if choice == "c" {
		createdAt, _, err = tr.CreateRoom(ctx, fp, string(creds.Mode))
	} else {
		createdAt, err = tr.JoinRoom(ctx, fp, readLine(stdin, "nickname: "))
	}
	if err != nil {
		log.Fatalf("startup", "room setup: %v", err)
	}
	creds.CreatedAt = createdAt
	fmt.Printf("joined %s, created %s\n", fp, humanize.Time(time.Unix(createdAt, 0)))

	go tr.Run(ctx)
	defer tr.Leave()

	nickname := readLine(stdin, "your nickname for this session: ")
	for {
		line, err := stdin.ReadString('\n')
		text := strings.TrimSpace(line)
		if text != "" {
			if delivered, sendErr := ctrl.Send(text, nickname); sendErr != nil {
				fmt.Printf("(send error: %v)\n", sendErr)
			} else if !delivered {
				fmt.Println("(queued, will retry)")
			}
		}
		if err != nil {
			return
		}
	}
}

func readLine(r *bufio.Reader, prompt string) string {
	if prompt != "" {
		fmt.Print(prompt)
	}
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}

// readPIN reads a fixed-mode PIN without echoing it to the terminal, falling
// back to a plain line read when stdin isn't a real terminal (e.g. in tests
// or when piped).
func readPIN(stdin *bufio.Reader) string {
	fmt.Print("fixed PIN: ")
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return readLine(stdin, "")
	}
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return readLine(stdin, "")
	}
	return strings.TrimSpace(string(b))
}

// splitGlyphs walks s and peels off one alphabet glyph at a time, longest
// match first. Several Alphabet entries (e.g. "🏔️", a base emoji plus a
// variation selector) are more than one rune, so a plain []rune split would
// tear them in half; matching against Alphabet directly keeps them intact.
// Anything that isn't a recognized glyph falls back to a single rune, which
// EmojisToIndices then discards as unrecognized, same as before.
func splitGlyphs(s string) []string {
	var out []string
	for len(s) > 0 {
		if g, n := matchAlphabetPrefix(s); n > 0 {
			out = append(out, g)
			s = s[n:]
			continue
		}
		r, size := utf8.DecodeRuneInString(s)
		out = append(out, string(r))
		s = s[size:]
	}
	return out
}

// matchAlphabetPrefix returns the longest crypto.Alphabet entry that
// prefixes s, and its byte length, or ("", 0) if none matches.
func matchAlphabetPrefix(s string) (string, int) {
	best := ""
	for _, g := range crypto.Alphabet {
		if len(g) > len(best) && strings.HasPrefix(s, g) {
			best = g
		}
	}
	return best, len(best)
}
