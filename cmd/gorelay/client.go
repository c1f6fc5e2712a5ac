package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	internalwebsocket "github.com/chenxilol/gorelay/internal/websocket"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// clientCmd 交互式客户端：标准输入的每一行作为一条消息发送，收到的消息打印到标准输出
func clientCmd() *cobra.Command {
	var url, id string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a relay, send stdin lines and print every relayed message",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return runClient(ctx, url, id, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/ws", "relay websocket url")
	cmd.Flags().StringVar(&id, "id", "client", "label printed with received messages")
	return cmd
}

func runClient(ctx context.Context, url, id string, in io.Reader, out io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("连接失败: %w", err)
	}
	defer conn.Close()
	slog.Info("connected", "url", url, "id", id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				slog.Debug("read stopped", "error", err)
				return
			}
			fmt.Fprintf(out, "[%s] %s\n", id, message)
		}
	}()

	lines := make(chan string)
	go scanLines(ctx, in, lines, done)

	for {
		select {
		case <-done:
			return nil
		case line, ok := <-lines:
			if !ok {
				// 输入结束，等待剩余消息后正常关闭
				lines = nil
				time.AfterFunc(500*time.Millisecond, func() { closeGracefully(conn) })
				continue
			}
			if err := conn.WriteMessage(internalwebsocket.TextMessage, []byte(line)); err != nil {
				return fmt.Errorf("发送失败: %w", err)
			}
		case <-ctx.Done():
			closeGracefully(conn)
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return nil
		}
	}
}

// scanLines 逐行读取输入，连接结束或ctx取消后退出
func scanLines(ctx context.Context, in io.Reader, lines chan<- string, done <-chan struct{}) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func closeGracefully(conn *websocket.Conn) {
	msg := internalwebsocket.FormatCloseMessage(internalwebsocket.CloseNormalClosure, "")
	_ = conn.WriteControl(internalwebsocket.CloseMessage, msg, time.Now().Add(time.Second))
}
