package functions

import "github.com/room4-2/voicetasks/messages"

// Tool names the model may call
const (
	CreateTask     = "createTask"
	DeleteTask     = "deleteTask"
	ListTasks      = "listTasks"
	Undo           = "undo"
	GetTaskDigest  = "getTaskDigest"
	SemanticSearch = "semanticSearch"
	DeleteAllTasks = "deleteAllTasks"
)

func noArgs() *messages.Schema {
	return &messages.Schema{Type: "object", Properties: map[string]*messages.Schema{}}
}

// CreateTaskFunctionDeclaration returns the function declaration for createTask
func CreateTaskFunctionDeclaration() messages.Tool {
	return messages.Tool{
		Type:        "function",
		Name:        CreateTask,
		Description: "Create a new task",
		Parameters: &messages.Schema{
			Type: "object",
			Properties: map[string]*messages.Schema{
				"title":       {Type: "string"},
				"priority":    {Type: "string", Enum: []string{"LOW", "MEDIUM", "HIGH"}},
				"description": {Type: "string"},
				"tags": {
					Type:        "array",
					Items:       &messages.Schema{Type: "string"},
					Description: "Optional tags for categorization (e.g., ['work', 'urgent'])",
				},
			},
			Required: []string{"title"},
		},
	}
}

func DeleteTaskFunctionDeclaration() messages.Tool {
	return messages.Tool{
		Type:        "function",
		Name:        DeleteTask,
		Description: "Delete a task by ID",
		Parameters: &messages.Schema{
			Type:       "object",
			Properties: map[string]*messages.Schema{"id": {Type: "string"}},
			Required:   []string{"id"},
		},
	}
}

func ListTasksFunctionDeclaration() messages.Tool {
	return messages.Tool{
		Type:        "function",
		Name:        ListTasks,
		Description: "List all tasks. IMPORTANT: Always use this tool first to find the unique task IDs if you need to delete or update specific tasks. Tell the user the IDs if they ask.",
		Parameters:  noArgs(),
	}
}

func UndoFunctionDeclaration() messages.Tool {
	return messages.Tool{
		Type:        "function",
		Name:        Undo,
		Description: "Undo the last action (like creating or deleting a task). Use this when the user says 'undo that', 'wait stop', or 'revert'.",
		Parameters:  noArgs(),
	}
}

func GetTaskDigestFunctionDeclaration() messages.Tool {
	return messages.Tool{
		Type:        "function",
		Name:        GetTaskDigest,
		Description: "Get a smart summary of the user's current workload, priorities, and any urgent items. Use this when the user asks 'how's my day looking?' or 'give me a summary'.",
		Parameters:  noArgs(),
	}
}

func SemanticSearchFunctionDeclaration() messages.Tool {
	return messages.Tool{
		Type:        "function",
		Name:        SemanticSearch,
		Description: "Find tasks using natural language or fuzzy queries. Useful when the user doesn't remember the exact title (e.g., 'find that task about groceries' or 'where is the thing about milk?').",
		Parameters: &messages.Schema{
			Type:       "object",
			Properties: map[string]*messages.Schema{"query": {Type: "string"}},
			Required:   []string{"query"},
		},
	}
}

func DeleteAllTasksFunctionDeclaration() messages.Tool {
	return messages.Tool{
		Type:        "function",
		Name:        DeleteAllTasks,
		Description: "Delete ALL tasks from the database at once. Use this when the user wants to start from scratch or clear everything.",
		Parameters:  noArgs(),
	}
}

// Declarations returns every tool, in the order announced to the model
func Declarations() []messages.Tool {
	return []messages.Tool{
		CreateTaskFunctionDeclaration(),
		DeleteTaskFunctionDeclaration(),
		ListTasksFunctionDeclaration(),
		UndoFunctionDeclaration(),
		GetTaskDigestFunctionDeclaration(),
		SemanticSearchFunctionDeclaration(),
		DeleteAllTasksFunctionDeclaration(),
	}
}
