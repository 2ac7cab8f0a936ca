package main

import (
	"fmt"
	"io"
	"net"
	"os"

	"dinolock/pkg/config"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

// Writes everything from src to dest.
func mustCopy(dst io.Writer, src io.Reader) {
	if _, err := io.Copy(dst, src); err != nil {
		logrus.Fatal(err)
	}
}

// Connect to the lock server and send messages to it.
func main() {
	var host = flag.String("host", "", "server host")
	var port = flag.IntP("port", "p", 0, "port number")
	flag.Parse()
	dbName := config.DBName
	if *port == 0 {
		fmt.Println("usage: ./" + dbName + "_client -p <port>")
		return
	}
	conn, err := net.Dial("tcp", fmt.Sprintf("%v:%v", *host, *port))
	if err != nil {
		logrus.Fatal(err)
	}
	defer conn.Close()
	go mustCopy(os.Stdout, conn)
	mustCopy(conn, os.Stdin)
}
