package main

import "github.com/zfogg/sidechain/realtime/internal/watch"

func main() {
	watch.Execute()
}
