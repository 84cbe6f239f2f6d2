package main

import "github.com/Jasonzhangf/route-claudecode-sub016/cmd"

func main() {
	cmd.Execute()
}
