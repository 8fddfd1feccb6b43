// Command tftp is an interactive TFTP client shell: "put", "get", and
// "quit" against one configured server.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mtwombley/gotftp"
	"github.com/spf13/pflag"
)

func main() {
	var server string
	pflag.StringVar(&server, "server", "localhost:6969", "TFTP server address")
	pflag.Parse()

	gotftp.SetVerbose(false)

	client, err := gotftp.NewClient(server)
	if err != nil {
		fmt.Fprintln(os.Stderr, "err:", err)
		os.Exit(1)
	}
	defer client.Close()

	runShell(client, os.Stdin, os.Stdout)
}

// runShell reads lines from in until EOF or "quit", dispatching
// put/get commands against client and writing results to out.
func runShell(client *gotftp.Client, in *os.File, out *os.File) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "tftp> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit":
			return
		case "get":
			if len(fields) != 2 {
				fmt.Fprintln(out, "invalid command")
				continue
			}
			doGet(client, fields[1], out)
		case "put":
			if len(fields) != 2 {
				fmt.Fprintln(out, "invalid command")
				continue
			}
			doPut(client, fields[1], out)
		default:
			fmt.Fprintln(out, "invalid command")
		}
	}
}

func doGet(client *gotftp.Client, filename string, out *os.File) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintln(out, "err:", err)
		return
	}
	defer f.Close()
	if err := client.Get(filename, f); err != nil {
		fmt.Fprintln(out, "err:", err)
		f.Close()
		os.Remove(filename)
	}
}

func doPut(client *gotftp.Client, filename string, out *os.File) {
	f, err := os.Open(filename)
	if err != nil {
		fmt.Fprintln(out, "err:", err)
		return
	}
	defer f.Close()
	if err := client.Put(filename, f); err != nil {
		fmt.Fprintln(out, "err:", err)
	}
}
