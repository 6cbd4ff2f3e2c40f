// ws_bridge exposes the agent's stdio JSON-RPC interface over a WebSocket,
// so a browser front end can drive it. Each connection gets its own agent
// subprocess; text frames go to the child's stdin, and each line the child
// writes comes back as one text frame. The child is killed when the
// connection closes.
package main

import (
	"bufio"
	"flag"
	"log"
	"net/http"
	"os/exec"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	addr := flag.String("addr", ":8080", "Address to listen on")
	agentCmd := flag.String("agent", "docsage", "Agent binary to launch per connection")
	flag.Parse()

	agentArgs := append([]string{"-serve"}, flag.Args()...)
	http.HandleFunc("/ws", handleWS(*agentCmd, agentArgs))

	log.Printf("WebSocket bridge listening on %s, launching %q %v per connection", *addr, *agentCmd, agentArgs)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

func handleWS(command string, args []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("Upgrade error:", err)
			return
		}
		defer conn.Close()

		cmd := exec.Command(command, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			log.Println("Error getting stdin:", err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			log.Println("Error getting stdout:", err)
			return
		}

		if err := cmd.Start(); err != nil {
			log.Println("Error starting agent:", err)
			return
		}
		defer func() {
			stdin.Close()
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}()

		// Gorilla connections allow one concurrent writer.
		var writeMu sync.Mutex

		// Agent stdout -> WebSocket, one JSON-RPC frame per message.
		go func() {
			scanner := bufio.NewScanner(stdout)
			scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			for scanner.Scan() {
				writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, scanner.Bytes())
				writeMu.Unlock()
				if err != nil {
					log.Println("WS write error:", err)
					return
				}
			}
		}()

		// WebSocket -> agent stdin.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Println("WS read error:", err)
				}
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				log.Println("Stdin write error:", err)
				return
			}
		}
	}
}
