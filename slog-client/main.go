package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/slogdb/slog/client"
	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/txn"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "slog-client",
	Short: "Interactive client for a slog cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.Dial(serverAddr)
		if err != nil {
			return err
		}
		defer c.Close()
		return shell(c)
	},
}

func init() {
	rootCmd.Flags().StringVar(&serverAddr, "server", "127.0.0.1:2023", "server address")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

const helpText = `Commands:
  GET <key>...                read keys in one transaction
  SET <key> <value>           write one key
  DEL <key>                   delete one key
  COPY <src> <dst>            copy the value of src into dst
  REMASTER <key> <replica>    move the mastership of key
  TXN <code>                  run raw procedure code; keys are inferred
  STATS <server|scheduler> [level]
  EXIT`

func shell(c *client.Client) error {
	rl, err := readline.New("slog> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			return nil
		}
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		cmd := strings.ToUpper(tokens[0])
		args := tokens[1:]
		switch cmd {
		case "EXIT", "QUIT":
			return nil
		case "HELP":
			fmt.Println(helpText)
		case "STATS":
			runStats(c, args)
		default:
			runTxn(c, cmd, args)
		}
	}
}

func runTxn(c *client.Client, cmd string, args []string) {
	var t *txn.Transaction
	switch cmd {
	case "GET":
		t = txn.New(args, nil, "")
	case "SET":
		if len(args) != 2 {
			fmt.Println("usage: SET <key> <value>")
			return
		}
		t = txn.New(nil, []txn.Key{args[0]}, fmt.Sprintf("SET %s %s", args[0], args[1]))
	case "DEL":
		if len(args) != 1 {
			fmt.Println("usage: DEL <key>")
			return
		}
		t = txn.New(nil, []txn.Key{args[0]}, fmt.Sprintf("DEL %s", args[0]))
	case "COPY":
		if len(args) != 2 {
			fmt.Println("usage: COPY <src> <dst>")
			return
		}
		t = txn.New([]txn.Key{args[0]}, []txn.Key{args[1]},
			fmt.Sprintf("COPY %s %s", args[0], args[1]))
	case "REMASTER":
		if len(args) != 2 {
			fmt.Println("usage: REMASTER <key> <replica>")
			return
		}
		newMaster, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			fmt.Println("replica must be a number")
			return
		}
		t = txn.NewRemaster(args[0], uint32(newMaster))
	case "TXN":
		code := strings.Join(args, " ")
		reads, writes := keysOfCode(code)
		t = txn.New(reads, writes, code)
	default:
		fmt.Printf("unknown command %q; try HELP\n", cmd)
		return
	}

	result, err := c.Submit(t)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	printTxn(result)
}

// keysOfCode infers the read and write sets from raw procedure code.
func keysOfCode(code string) (reads, writes []txn.Key) {
	tokens := strings.Fields(code)
	for i := 0; i < len(tokens); i++ {
		switch strings.ToUpper(tokens[i]) {
		case "GET":
			if i+1 < len(tokens) {
				reads = append(reads, tokens[i+1])
				i++
			}
		case "SET":
			if i+2 < len(tokens) {
				writes = append(writes, tokens[i+1])
				i += 2
			}
		case "DEL", "ABORT":
			if i+1 < len(tokens) {
				writes = append(writes, tokens[i+1])
				i++
			}
		case "COPY":
			if i+2 < len(tokens) {
				reads = append(reads, tokens[i+1])
				writes = append(writes, tokens[i+2])
				i += 2
			}
		}
	}
	return reads, writes
}

func printTxn(t *txn.Transaction) {
	fmt.Printf("txn %d: %s\n", t.ID, t.Status)
	if t.AbortReason != "" {
		fmt.Println("  reason:", t.AbortReason)
	}
	for k, v := range t.ReadSet {
		fmt.Printf("  read  %s = %q\n", k, v)
	}
	for k, v := range t.WriteSet {
		fmt.Printf("  write %s = %q\n", k, v)
	}
}

func runStats(c *client.Client, args []string) {
	mod := message.StatsServer
	if len(args) > 0 && strings.EqualFold(args[0], "scheduler") {
		mod = message.StatsScheduler
	}
	level := 0
	if len(args) > 1 {
		level, _ = strconv.Atoi(args[1])
	}
	stats, err := c.Stats(mod, level)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(string(stats))
}
