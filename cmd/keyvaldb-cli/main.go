// keyvaldb-cli - interactive client for KeyvalDB
//
// Usage:
//
//	keyvaldb-cli [flags]
//
// Flags:
//
//	-addr string   Server address (default "localhost:7379")
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/anirudhdahiya9/keyval-db/internal/command"
	"github.com/anirudhdahiya9/keyval-db/internal/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:7379", "Server address")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Printf("Connected to %s. Type HELP for commands, EXIT to quit.\n", *addr)

	server := bufio.NewReader(conn)
	stdin := bufio.NewScanner(os.Stdin)
	selected := -1

	for {
		prompt(selected)
		if !stdin.Scan() {
			fmt.Println()
			return
		}
		line := stdin.Text()

		tokens, err := protocol.SplitTokens(line)
		if err != nil {
			fmt.Printf("(error) ERR %v\n", err)
			continue
		}
		if len(tokens) == 0 {
			continue
		}
		if strings.EqualFold(tokens[0], "HELP") {
			printHelp()
			continue
		}

		// Validate locally for a fast error without a round trip.
		cmd, cmdErr := command.Parse(tokens, time.Now())
		if cmdErr != nil {
			fmt.Printf("(error) %s %s\n", cmdErr.Kind, cmdErr.Message)
			continue
		}

		if _, err := fmt.Fprintln(conn, line); err != nil {
			fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
			return
		}
		reply, err := readReply(conn, server)
		if err != nil {
			fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
			return
		}
		fmt.Print(reply)

		switch c := cmd.(type) {
		case command.Select:
			if strings.HasPrefix(reply, "OK") {
				selected = c.Index
			}
		case command.Deselect:
			if strings.HasPrefix(reply, "OK") {
				selected = -1
			}
		case command.Exit:
			return
		}
	}
}

func prompt(selected int) {
	if selected >= 0 {
		fmt.Printf("keyvaldb[%d]> ", selected)
	} else {
		fmt.Print("keyvaldb> ")
	}
}

// readReply reads one reply. The first line is read blocking; list replies
// span several lines with no terminator, so any continuation lines are
// drained under a short read deadline.
func readReply(conn net.Conn, r *bufio.Reader) (string, error) {
	first, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(first)
	for {
		conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		line, err := r.ReadString('\n')
		sb.WriteString(line)
		if err != nil {
			break
		}
	}
	conn.SetReadDeadline(time.Time{})
	return sb.String(), nil
}

func printHelp() {
	names := command.Names()
	sort.Strings(names)
	fmt.Println("Commands:", strings.Join(names, ", "))
	fmt.Println("Options use a '-' prefix, e.g. SET k v -EX 10 -NX")
}
