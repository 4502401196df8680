package events

import "fmt"

// TabChannelTopic is the per-tab topic that stream chunks for a tab's
// session are pushed to. UI surfaces subscribe to the tab they display.
func TabChannelTopic(tabID int64) string {
	return fmt.Sprintf("tab.channel.%d", tabID)
}
