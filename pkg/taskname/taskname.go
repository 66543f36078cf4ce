package taskname

const (
	// Oracle tasks
	OracleMirror = "oracle:mirror"

	// Quest tasks
	QuestArchive = "quest:archive"
)
